// Package pggate builds DML write operations for the document store.
//
// An operation is constructed with a session, a table id and the
// single-row-transaction flag, allocates its write request exactly once,
// gets its values bound and is queued into the session, which dispatches
// it either on the single-row path or inside a distributed transaction.
package pggate

import (
	"context"

	"docgate/pkg/docdb"
)

// WriteOperation is the lifecycle shared by Insert, Update and Delete.
type WriteOperation interface {
	AllocWriteRequest() error
	Allocated() bool
	DocOp() *DocWriteOp
	IsSingleRowTxn() bool

	BindKey(column string, v any) error
	AssignColumn(column string, v any) error
	AddWhere(column string, op docdb.CmpOp, v any) error
	Exec(ctx context.Context) error
	RowsAffected() (int, error)

	Close()
}

var (
	_ WriteOperation = (*Insert)(nil)
	_ WriteOperation = (*Update)(nil)
	_ WriteOperation = (*Delete)(nil)
)
