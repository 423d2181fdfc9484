package docdb

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrKeyNotBound     = errors.New("primary key is not fully bound")
	ErrNothingToUpdate = errors.New("no columns assigned")
)

// WriteOp is the storage client view of one write. It owns its request;
// whoever needs to populate the request goes through MutableRequest.
type WriteOp struct {
	tableName  string
	keyColumns []string
	req        *WriteRequest
}

func NewWriteOp(tableName string, keyColumns []string, req *WriteRequest) *WriteOp {
	return &WriteOp{
		tableName:  tableName,
		keyColumns: keyColumns,
		req:        req,
	}
}

func (op *WriteOp) TableName() string {
	return op.tableName
}

func (op *WriteOp) KeyColumns() []string {
	return op.keyColumns
}

// Request returns the request for inspection.
func (op *WriteOp) Request() *WriteRequest {
	return op.req
}

// MutableRequest returns the request body to be populated by the binder.
func (op *WriteOp) MutableRequest() *WriteRequest {
	return op.req
}

func (op *WriteOp) String() string {
	return fmt.Sprintf("%s %s(single_row=%t)", op.req.StmtType, op.tableName, op.req.IsSingleRowTxn)
}

// Mutation lowers the request to a keyed storage mutation.
func (op *WriteOp) Mutation() (Mutation, error) {
	req := op.req

	for _, col := range op.keyColumns {
		if _, ok := req.KeyValues[col]; !ok {
			return Mutation{}, fmt.Errorf("%w: missing %q", ErrKeyNotBound, col)
		}
	}

	key, err := EncodeDocKey(req.TableID, op.keyColumns, req.KeyValues)
	if err != nil {
		return Mutation{}, err
	}

	m := Mutation{
		Key:   key,
		Type:  req.StmtType,
		Where: req.Where,
	}

	switch req.StmtType {
	case StmtInsert:
		m.Row = make(map[string]any, len(req.KeyValues)+len(req.ColumnValues))
		for k, v := range req.ColumnValues {
			m.Row[k] = v
		}
		for k, v := range req.KeyValues {
			m.Row[k] = v
		}
	case StmtUpdate:
		if len(req.ColumnValues) == 0 {
			return Mutation{}, ErrNothingToUpdate
		}
		m.Row = req.ColumnValues
	case StmtDelete:
	default:
		return Mutation{}, fmt.Errorf("unknown statement type %v", req.StmtType)
	}

	return m, nil
}

// Mutation is a single keyed change applied by a tablet.
type Mutation struct {
	Key   []byte         `json:"key"`
	Type  StmtType       `json:"type"`
	Row   map[string]any `json:"row,omitempty"`
	Where []Condition    `json:"where,omitempty"`
}

// Batch is a group of mutations applied atomically by one tablet.
// TxnID is zero for single-row writes.
type Batch struct {
	TxnID     uuid.UUID  `json:"txn_id"`
	Mutations []Mutation `json:"mutations"`
}

func (b Batch) Keys() [][]byte {
	keys := make([][]byte, len(b.Mutations))
	for i, m := range b.Mutations {
		keys[i] = m.Key
	}
	return keys
}
