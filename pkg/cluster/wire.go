package cluster

import (
	"github.com/google/uuid"

	"docgate/pkg/docdb"
)

// Bodies of the internal tablet endpoints.
const TabletAPIPrefix = "/api/internal/tablets"

type GetRequest struct {
	Key []byte `json:"key"`
}

type GetResponse struct {
	Found bool           `json:"found"`
	Row   map[string]any `json:"row,omitempty"`
}

type ScanRequest struct {
	Prefix []byte `json:"prefix"`
	Limit  int    `json:"limit,omitempty"`
}

type ScanResponse struct {
	Rows []map[string]any `json:"rows"`
}

type BatchRequest struct {
	TxnID uuid.UUID   `json:"txn_id,omitempty"`
	Batch docdb.Batch `json:"batch"`
}

type TxnRequest struct {
	TxnID uuid.UUID `json:"txn_id"`
}

type AffectedResponse struct {
	Affected []int `json:"affected"`
}

// ErrorResponse carries the error code so the caller can restore the
// sentinel with dberrors.FromCode.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NormalizeBatch restores datums of a batch decoded from JSON.
func NormalizeBatch(b *docdb.Batch) error {
	for i := range b.Mutations {
		if err := b.Mutations[i].Normalize(); err != nil {
			return err
		}
	}
	return nil
}
