package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"docgate/pkg/catalog"
	"docgate/pkg/cluster"
	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/memtable"
	"docgate/pkg/metrics"
	"docgate/pkg/pggate"
	"docgate/pkg/tablet"
	"docgate/pkg/txn"
	"docgate/pkg/types"
)

type fixture struct {
	server   *Server
	handler  http.Handler
	accounts *catalog.TableDesc
	coord    *txn.Coordinator
	metrics  *metrics.Registry
}

// одна нода с двумя локальными таблетами и таблицей accounts
func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat, err := catalog.New(128)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	t.Cleanup(cat.Close)

	accounts, err := cat.CreateTable("accounts", []catalog.Column{
		{Name: "id", Type: catalog.TypeInt, Key: true},
		{Name: "owner", Type: catalog.TypeText},
		{Name: "balance", Type: catalog.TypeFloat, Nullable: true},
	})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	ids := cluster.LocalTabletIDs("node1", 2)
	tablets := make(map[types.TabletID]cluster.Tablet, len(ids))
	for _, id := range ids {
		tb, err := tablet.Open(context.Background(), tablet.Options{
			ID:       id,
			DataDir:  t.TempDir(),
			Memtable: memtable.Config{FlushThresholdBytes: 1 << 20, MaxImmTables: 2},
		})
		if err != nil {
			t.Fatalf("open tablet %s: %v", id, err)
		}
		t.Cleanup(func() { _ = tb.Close() })
		tablets[id] = tb
	}

	router := cluster.NewRouter("node1", tablets, nil)
	topo, err := cluster.NewTopology(64, cluster.NodeInfo{ID: "node1", Addr: "http://localhost:8080", Tablets: ids})
	if err != nil {
		t.Fatalf("NewTopology: %v", err)
	}
	router.UpdateTopology(topo)

	coord := txn.NewCoordinator(router, 5*time.Second)
	reg := metrics.NewRegistry()
	s := NewServer(Deps{Catalog: cat, Router: router, Txns: coord, Metrics: reg}, 0, 0)

	return &fixture{server: s, handler: s.Handler(), accounts: accounts, coord: coord, metrics: reg}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", contentTypeJSON)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var resp Response
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	return rr, resp
}

func affected(t *testing.T, resp Response) int {
	t.Helper()
	if resp.RowsAffected == nil {
		t.Fatalf("response has no rows_affected: %+v", resp)
	}
	return *resp.RowsAffected
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t)

	rr, resp := f.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}

	// Method not allowed: POST to /health
	rr, _ = f.do(t, http.MethodPost, "/health", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d", rr.Code)
	}
}

func TestStatement_SingleRowFlow(t *testing.T) {
	f := newFixture(t)

	// INSERT
	rr, resp := f.do(t, http.MethodPost, "/api/tables/accounts/insert", Statement{
		SingleRow: true,
		Key:       map[string]any{"id": 1},
		Set:       map[string]any{"owner": "alice", "balance": 10.5},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("insert: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if n := affected(t, resp); n != 1 {
		t.Fatalf("insert: rows_affected=%d, want 1", n)
	}

	// GET
	rr, resp = f.do(t, http.MethodGet, "/api/tables/accounts/row?id=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp.Row["owner"] != "alice" || resp.Row["balance"] != 10.5 {
		t.Fatalf("get: unexpected row %v", resp.Row)
	}

	// duplicate INSERT
	rr, resp = f.do(t, http.MethodPost, "/api/tables/accounts/insert", Statement{
		SingleRow: true,
		Key:       map[string]any{"id": 1},
		Set:       map[string]any{"owner": "bob"},
	})
	if rr.Code != http.StatusConflict || resp.Code != "duplicate_key" {
		t.Fatalf("duplicate: expected 409 duplicate_key, got %d %q", rr.Code, resp.Code)
	}

	// UPDATE with a WHERE that does not match
	rr, resp = f.do(t, http.MethodPost, "/api/tables/accounts/update", Statement{
		SingleRow: true,
		Key:       map[string]any{"id": 1},
		Set:       map[string]any{"balance": 0},
		Where:     []docdb.Condition{{Column: "owner", Op: docdb.OpEq, Value: "bob"}},
	})
	if rr.Code != http.StatusOK || affected(t, resp) != 0 {
		t.Fatalf("update-miss: expected 200 with 0 rows, got %d body=%s", rr.Code, rr.Body.String())
	}

	// DELETE
	rr, resp = f.do(t, http.MethodPost, "/api/tables/accounts/delete", Statement{
		SingleRow: true,
		Key:       map[string]any{"id": 1},
	})
	if rr.Code != http.StatusOK || affected(t, resp) != 1 {
		t.Fatalf("delete: expected 200 with 1 row, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET after delete -> 404 not_found
	rr, resp = f.do(t, http.MethodGet, "/api/tables/accounts/row?id=1", nil)
	if rr.Code != http.StatusNotFound || resp.Code != "not_found" {
		t.Fatalf("get-after-delete: expected 404 not_found, got %d %q", rr.Code, resp.Code)
	}

	// single-row path keeps no transaction records
	if recs := f.coord.Records(); len(recs) != 0 {
		t.Fatalf("single-row writes created %d txn records", len(recs))
	}
}

func TestStatement_DistributedUpdate(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/api/tables/accounts/insert", Statement{
		SingleRow: true,
		Key:       map[string]any{"id": 5},
		Set:       map[string]any{"owner": "carol", "balance": 1},
	})

	rr, resp := f.do(t, http.MethodPost, "/api/tables/accounts/update", Statement{
		SingleRow: false,
		Key:       map[string]any{"id": 5},
		Set:       map[string]any{"balance": 99},
		Where:     []docdb.Condition{{Column: "balance", Op: docdb.OpLt, Value: 10}},
	})
	if rr.Code != http.StatusOK || affected(t, resp) != 1 {
		t.Fatalf("update: expected 200 with 1 row, got %d body=%s", rr.Code, rr.Body.String())
	}

	recs := f.coord.Records()
	if len(recs) != 1 || recs[0].State != txn.StateCommitted {
		t.Fatalf("expected one committed txn record, got %+v", recs)
	}

	rr, _ = f.do(t, http.MethodGet, "/api/internal/txns/"+recs[0].ID.String(), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get txn: expected 200, got %d", rr.Code)
	}
	rr, _ = f.do(t, http.MethodGet, "/api/internal/txns/"+uuid.NewString(), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get unknown txn: expected 404, got %d", rr.Code)
	}
}

func TestTxnBlock(t *testing.T) {
	f := newFixture(t)

	block := txnBlockRequest{Statements: []Statement{
		{Table: "accounts", Stmt: "insert", Key: map[string]any{"id": 10}, Set: map[string]any{"owner": "a"}},
		{Table: "accounts", Stmt: "insert", Key: map[string]any{"id": 11}, Set: map[string]any{"owner": "b"}},
		{Table: "accounts", Stmt: "update", Key: map[string]any{"id": 12}, Set: map[string]any{"owner": "c"}},
	}}
	rr, resp := f.do(t, http.MethodPost, "/api/txn", block)
	if rr.Code != http.StatusOK {
		t.Fatalf("txn: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(resp.Results) != 3 || resp.Results[0] != 1 || resp.Results[1] != 1 || resp.Results[2] != 0 {
		t.Fatalf("txn: results=%v, want [1 1 0]", resp.Results)
	}

	// второй блок падает на дубликате целиком
	block = txnBlockRequest{Statements: []Statement{
		{Table: "accounts", Stmt: "insert", Key: map[string]any{"id": 20}, Set: map[string]any{"owner": "x"}},
		{Table: "accounts", Stmt: "insert", Key: map[string]any{"id": 10}, Set: map[string]any{"owner": "dup"}},
	}}
	rr, resp = f.do(t, http.MethodPost, "/api/txn", block)
	if rr.Code != http.StatusConflict || resp.Code != "txn_aborted" {
		t.Fatalf("txn-dup: expected 409 txn_aborted, got %d %q body=%s", rr.Code, resp.Code, rr.Body.String())
	}

	rr, _ = f.do(t, http.MethodGet, "/api/tables/accounts/row?id=20", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("aborted txn leaked a row: got %d", rr.Code)
	}

	// scan видит только строки первого блока
	rr, resp = f.do(t, http.MethodGet, "/api/tables/accounts/rows", nil)
	if rr.Code != http.StatusOK || len(resp.Rows) != 2 {
		t.Fatalf("scan: expected 2 rows, got %d rows (status %d)", len(resp.Rows), rr.Code)
	}
	rr, resp = f.do(t, http.MethodGet, "/api/tables/accounts/rows?limit=1", nil)
	if rr.Code != http.StatusOK || len(resp.Rows) != 1 {
		t.Fatalf("scan limit: expected 1 row, got %d", len(resp.Rows))
	}
}

func TestStatement_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
	}{
		{"unknown table", http.MethodPost, "/api/tables/ghosts/insert", Statement{Key: map[string]any{"id": 1}}, http.StatusNotFound},
		{"unknown statement", http.MethodPost, "/api/tables/accounts/merge", Statement{Key: map[string]any{"id": 1}}, http.StatusBadRequest},
		{"unknown column", http.MethodPost, "/api/tables/accounts/update", Statement{Key: map[string]any{"id": 1}, Set: map[string]any{"nope": 1}}, http.StatusBadRequest},
		{"wrong type", http.MethodPost, "/api/tables/accounts/insert", Statement{Key: map[string]any{"id": "x"}, Set: map[string]any{"owner": "a"}}, http.StatusBadRequest},
		{"missing not null", http.MethodPost, "/api/tables/accounts/insert", Statement{Key: map[string]any{"id": 3}}, http.StatusBadRequest},
		{"missing key", http.MethodGet, "/api/tables/accounts/row", nil, http.StatusBadRequest},
		{"bad key", http.MethodGet, "/api/tables/accounts/row?id=abc", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/tables/accounts/rows?limit=-1", nil, http.StatusBadRequest},
		{"empty txn", http.MethodPost, "/api/txn", txnBlockRequest{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := f.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tt.wantCode, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestListTables(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tables", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var tables []tableView
	if err := json.Unmarshal(rr.Body.Bytes(), &tables); err != nil {
		t.Fatalf("decode tables: %v body=%s", err, rr.Body.String())
	}
	if len(tables) != 1 || tables[0].Name != "accounts" || len(tables[0].Columns) != 3 {
		t.Fatalf("unexpected tables: %+v", tables)
	}
}

// HTTPClient против настоящих внутренних ручек
func TestSession_MixedModesKeepOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := f.server.newSession()
	defer session.Close()

	ins, err := f.server.buildOp(session, Statement{
		Table: "accounts", Stmt: "insert",
		Key: map[string]any{"id": 1}, Set: map[string]any{"owner": "alice"},
	})
	if err != nil {
		t.Fatalf("build insert: %v", err)
	}
	defer ins.Close()
	upd, err := f.server.buildOp(session, Statement{
		Table: "accounts", Stmt: "update", SingleRow: true,
		Key: map[string]any{"id": 1}, Set: map[string]any{"owner": "bob"},
	})
	if err != nil {
		t.Fatalf("build update: %v", err)
	}
	defer upd.Close()

	for _, op := range []pggate.WriteOperation{ins, upd} {
		if err := op.Exec(ctx); err != nil {
			t.Fatalf("Exec: %v", err)
		}
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if n, err := upd.RowsAffected(); err != nil || n != 1 {
		t.Fatalf("update after insert: rows_affected=%d err=%v", n, err)
	}
	rr, resp := f.do(t, http.MethodGet, "/api/tables/accounts/row?id=1", nil)
	if rr.Code != http.StatusOK || resp.Row["owner"] != "bob" {
		t.Fatalf("expected owner=bob, got %d %v", rr.Code, resp.Row)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	st := Statement{SingleRow: true, Key: map[string]any{"id": 9}, Set: map[string]any{"owner": "dave"}}
	f.do(t, http.MethodPost, "/api/tables/accounts/insert", st)
	f.do(t, http.MethodPost, "/api/tables/accounts/insert", st)

	if v, _ := f.metrics.Value("docgate_requests_total", map[string]string{"kind": "insert", "result": "ok"}); v != 1 {
		t.Fatalf("ok inserts = %v, want 1", v)
	}
	if v, _ := f.metrics.Value("docgate_requests_total", map[string]string{"kind": "insert", "result": "duplicate_key"}); v != 1 {
		t.Fatalf("duplicate inserts = %v, want 1", v)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `docgate_requests_total{kind="insert",result="ok"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", rr.Body.String())
	}
}

func TestRemoteClient_TabletEndpoints(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	cl := cluster.NewHTTPClient(ts.URL)
	ctx := context.Background()
	const tb types.TabletID = "node1-t0"

	key, err := docdb.EncodeDocKey(f.accounts.ID(), []string{"id"}, map[string]any{"id": int64(42)})
	if err != nil {
		t.Fatalf("EncodeDocKey: %v", err)
	}
	ins := docdb.Batch{Mutations: []docdb.Mutation{{
		Key:  key,
		Type: docdb.StmtInsert,
		Row:  map[string]any{"id": int64(42), "owner": "remote", "balance": 1.25},
	}}}

	if err := cl.Check(ctx, tb, ins); err != nil {
		t.Fatalf("Check: %v", err)
	}
	res, err := cl.Apply(ctx, tb, ins)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res) != 1 || res[0] != 1 {
		t.Fatalf("Apply results = %v, want [1]", res)
	}

	row, found, err := cl.Get(ctx, tb, key)
	if err != nil || !found {
		t.Fatalf("Get = %v, %v", found, err)
	}
	if row["id"] != int64(42) || row["balance"] != 1.25 {
		t.Fatalf("Get row = %v, datums not normalized", row)
	}

	// ошибка восстанавливается в sentinel
	if _, err := cl.Apply(ctx, tb, ins); !errors.Is(err, dberrors.ErrDuplicateKey) {
		t.Fatalf("duplicate Apply error = %v, want ErrDuplicateKey", err)
	}

	// 2PC через HTTP
	txnID := uuid.New()
	del := docdb.Batch{TxnID: txnID, Mutations: []docdb.Mutation{{Key: key, Type: docdb.StmtDelete}}}
	if err := cl.Prepare(ctx, tb, txnID, del); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := cl.Apply(ctx, tb, docdb.Batch{Mutations: []docdb.Mutation{{Key: key, Type: docdb.StmtDelete}}}); !errors.Is(err, dberrors.ErrWriteConflict) {
		t.Fatalf("Apply on locked key error = %v, want ErrWriteConflict", err)
	}
	res, err = cl.Commit(ctx, tb, txnID)
	if err != nil || len(res) != 1 || res[0] != 1 {
		t.Fatalf("Commit = %v, %v; want [1]", res, err)
	}
	if err := cl.Abort(ctx, tb, uuid.New()); err != nil {
		t.Fatalf("Abort of unknown txn: %v", err)
	}

	rows, err := cl.Scan(ctx, tb, nil, 0)
	if err != nil || len(rows) != 0 {
		t.Fatalf("Scan = %v, %v; want no rows", rows, err)
	}

	if _, _, err := cl.Get(ctx, "node9-t0", key); err == nil {
		t.Fatalf("expected error for a tablet hosted elsewhere")
	}
}
