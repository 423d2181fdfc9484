package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

// HTTPClient реализует Remote поверх внутренних HTTP ручек другой ноды
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient создает HTTP клиент для удаленной ноды
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// NewHTTPClientFactory подходит как ClientFactory для Router
func NewHTTPClientFactory() ClientFactory {
	return func(addr string) (Remote, error) {
		if addr == "" {
			return nil, fmt.Errorf("empty node address")
		}
		return NewHTTPClient(addr), nil
	}
}

func (c *HTTPClient) call(ctx context.Context, tablet types.TabletID, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	reqURL := fmt.Sprintf("%s%s/%s/%s", c.baseURL, TabletAPIPrefix, url.PathEscape(string(tablet)), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute %s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		var er ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			return dberrors.FromCode(er.Code, er.Error)
		}
		return fmt.Errorf("%s failed with status %d: %s", method, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *HTTPClient) Get(ctx context.Context, tablet types.TabletID, key []byte) (map[string]any, bool, error) {
	var resp GetResponse
	if err := c.call(ctx, tablet, "get", GetRequest{Key: key}, &resp); err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}

	row, err := docdb.NormalizeRow(resp.Row)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (c *HTTPClient) Scan(ctx context.Context, tablet types.TabletID, prefix []byte, limit int) ([]map[string]any, error) {
	var resp ScanResponse
	if err := c.call(ctx, tablet, "scan", ScanRequest{Prefix: prefix, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	for _, row := range resp.Rows {
		if _, err := docdb.NormalizeRow(row); err != nil {
			return nil, err
		}
	}
	return resp.Rows, nil
}

func (c *HTTPClient) Check(ctx context.Context, tablet types.TabletID, batch docdb.Batch) error {
	return c.call(ctx, tablet, "check", BatchRequest{Batch: batch}, nil)
}

func (c *HTTPClient) Apply(ctx context.Context, tablet types.TabletID, batch docdb.Batch) ([]int, error) {
	var resp AffectedResponse
	if err := c.call(ctx, tablet, "apply", BatchRequest{Batch: batch}, &resp); err != nil {
		return nil, err
	}
	return resp.Affected, nil
}

func (c *HTTPClient) Prepare(ctx context.Context, tablet types.TabletID, txnID uuid.UUID, batch docdb.Batch) error {
	return c.call(ctx, tablet, "prepare", BatchRequest{TxnID: txnID, Batch: batch}, nil)
}

func (c *HTTPClient) Commit(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) ([]int, error) {
	var resp AffectedResponse
	if err := c.call(ctx, tablet, "commit", TxnRequest{TxnID: txnID}, &resp); err != nil {
		return nil, err
	}
	return resp.Affected, nil
}

func (c *HTTPClient) Abort(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) error {
	return c.call(ctx, tablet, "abort", TxnRequest{TxnID: txnID}, nil)
}
