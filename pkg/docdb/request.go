package docdb

import (
	"fmt"

	"docgate/pkg/types"
)

type StmtType uint8

const (
	StmtInsert StmtType = iota + 1
	StmtUpdate
	StmtDelete
)

func (t StmtType) String() string {
	switch t {
	case StmtInsert:
		return "INSERT"
	case StmtUpdate:
		return "UPDATE"
	case StmtDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("StmtType(%d)", uint8(t))
	}
}

// CmpOp is a comparison operator of a WHERE condition.
type CmpOp string

const (
	OpEq CmpOp = "="
	OpNe CmpOp = "!="
	OpLt CmpOp = "<"
	OpLe CmpOp = "<="
	OpGt CmpOp = ">"
	OpGe CmpOp = ">="
)

func (op CmpOp) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// Condition is one AND-ed predicate of a WHERE clause.
type Condition struct {
	Column string `json:"column"`
	Op     CmpOp  `json:"op"`
	Value  any    `json:"value"`
}

// WriteRequest describes a single write in storage terms. It knows nothing
// about the statement that produced it.
type WriteRequest struct {
	TableID       types.TableID `json:"table_id"`
	SchemaVersion uint32        `json:"schema_version"`
	StmtType      StmtType      `json:"stmt_type"`

	// IsSingleRowTxn lets the storage layer skip distributed transaction
	// bookkeeping and rely on the atomic single-key write.
	IsSingleRowTxn bool `json:"is_single_row_txn"`

	KeyValues    map[string]any `json:"key_values,omitempty"`
	ColumnValues map[string]any `json:"column_values,omitempty"`
	Where        []Condition    `json:"where,omitempty"`
}

func (r *WriteRequest) SetIsSingleRowTxn(v bool) {
	r.IsSingleRowTxn = v
}

func (r *WriteRequest) SetKeyValue(column string, v any) {
	if r.KeyValues == nil {
		r.KeyValues = make(map[string]any)
	}
	r.KeyValues[column] = v
}

func (r *WriteRequest) SetColumnValue(column string, v any) {
	if r.ColumnValues == nil {
		r.ColumnValues = make(map[string]any)
	}
	r.ColumnValues[column] = v
}

func (r *WriteRequest) AddCondition(c Condition) {
	r.Where = append(r.Where, c)
}
