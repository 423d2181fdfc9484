package pggate

import (
	"context"
	"fmt"

	"docgate/pkg/catalog"
	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

type opState uint8

const (
	stateUnallocated opState = iota
	stateAllocated
	stateExecuted
	stateClosed
)

func (s opState) String() string {
	switch s {
	case stateUnallocated:
		return "unallocated"
	case stateAllocated:
		return "allocated"
	case stateExecuted:
		return "executed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// dmlWrite is the state every DML write variant embeds: the session, the
// target table and the transaction mode given at construction, plus the
// live write op after allocation. Not safe for concurrent use.
type dmlWrite struct {
	session        *Session
	tableID        types.TableID
	isSingleRowTxn bool

	state opState
	desc  *catalog.TableDesc
	docOp *DocWriteOp

	// points into docOp's request, not owned
	writeReq *docdb.WriteRequest
}

func newDMLWrite(session *Session, tableID types.TableID, isSingleRowTxn bool) (dmlWrite, error) {
	if !session.Valid() {
		return dmlWrite{}, fmt.Errorf("%w: nil or closed session", dberrors.ErrInvalidSession)
	}

	return dmlWrite{
		session:        session,
		tableID:        tableID,
		isSingleRowTxn: isSingleRowTxn,
	}, nil
}

type newWriteOpFunc func(desc *catalog.TableDesc) (*docdb.WriteOp, error)

// allocate creates the write request through newOp, tags it with the
// transaction mode and wraps it for the session. Nothing is stored unless
// every step succeeds.
func (w *dmlWrite) allocate(newOp newWriteOpFunc) error {
	if w.state != stateUnallocated {
		return fmt.Errorf("%w: write request already %s", dberrors.ErrInvalidState, w.state)
	}

	desc, err := w.session.resolve(w.tableID)
	if err != nil {
		return fmt.Errorf("resolve table %s: %w", w.tableID, err)
	}

	writeOp, err := newOp(desc)
	if err != nil {
		return fmt.Errorf("allocate write request for %s: %w", desc.Name(), err)
	}
	writeOp.MutableRequest().SetIsSingleRowTxn(w.isSingleRowTxn)

	docOp := newDocWriteOp(w.session, writeOp)
	w.writeReq = docOp.WriteOp().MutableRequest()

	w.desc = desc
	w.docOp = docOp
	w.state = stateAllocated
	return nil
}

func (w *dmlWrite) TableID() types.TableID { return w.tableID }
func (w *dmlWrite) IsSingleRowTxn() bool   { return w.isSingleRowTxn }
func (w *dmlWrite) Session() *Session      { return w.session }

// Allocated reports whether the write request exists.
func (w *dmlWrite) Allocated() bool {
	return w.state == stateAllocated || w.state == stateExecuted
}

// DocOp returns the active write handle, nil before allocation.
func (w *dmlWrite) DocOp() *DocWriteOp {
	return w.docOp
}

// WriteRequest returns the request body being populated, nil before
// allocation.
func (w *dmlWrite) WriteRequest() *docdb.WriteRequest {
	return w.writeReq
}

func (w *dmlWrite) checkBindable() error {
	if w.state != stateAllocated {
		return fmt.Errorf("%w: cannot bind values when %s", dberrors.ErrInvalidState, w.state)
	}
	return nil
}

func (w *dmlWrite) normalize(column string, v any) (any, error) {
	n, err := docdb.Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: column %q: %v", dberrors.ErrInvalidArgument, column, err)
	}
	if err := w.desc.CheckValue(column, n); err != nil {
		return nil, err
	}
	return n, nil
}

// BindKey binds a primary key column.
func (w *dmlWrite) BindKey(column string, v any) error {
	if err := w.checkBindable(); err != nil {
		return err
	}

	c, ok := w.desc.Column(column)
	if !ok || !c.Key {
		return fmt.Errorf("%w: %q is not a key column of %s", dberrors.ErrInvalidArgument, column, w.desc.Name())
	}

	n, err := w.normalize(column, v)
	if err != nil {
		return err
	}
	w.writeReq.SetKeyValue(column, n)
	return nil
}

// AssignColumn binds a non-key column value (SET clause or VALUES).
func (w *dmlWrite) AssignColumn(column string, v any) error {
	if err := w.checkBindable(); err != nil {
		return err
	}
	if w.writeReq.StmtType == docdb.StmtDelete {
		return fmt.Errorf("%w: DELETE has no column assignments", dberrors.ErrInvalidArgument)
	}

	c, ok := w.desc.Column(column)
	if !ok {
		return fmt.Errorf("%w: table %s has no column %q", dberrors.ErrInvalidArgument, w.desc.Name(), column)
	}
	if c.Key {
		return fmt.Errorf("%w: key column %q must be bound with BindKey", dberrors.ErrInvalidArgument, column)
	}

	n, err := w.normalize(column, v)
	if err != nil {
		return err
	}
	w.writeReq.SetColumnValue(column, n)
	return nil
}

// AddWhere adds an AND-ed predicate evaluated against the stored row.
func (w *dmlWrite) AddWhere(column string, op docdb.CmpOp, v any) error {
	if err := w.checkBindable(); err != nil {
		return err
	}
	if w.writeReq.StmtType == docdb.StmtInsert {
		return fmt.Errorf("%w: INSERT has no WHERE clause", dberrors.ErrInvalidArgument)
	}
	if !op.Valid() {
		return fmt.Errorf("%w: unknown operator %q", dberrors.ErrInvalidArgument, op)
	}
	if _, ok := w.desc.Column(column); !ok {
		return fmt.Errorf("%w: table %s has no column %q", dberrors.ErrInvalidArgument, w.desc.Name(), column)
	}

	n, err := docdb.Normalize(v)
	if err != nil {
		return fmt.Errorf("%w: column %q: %v", dberrors.ErrInvalidArgument, column, err)
	}
	w.writeReq.AddCondition(docdb.Condition{Column: column, Op: op, Value: n})
	return nil
}

// Exec validates the bound request and queues it in the session. The write
// happens on Session.Flush.
func (w *dmlWrite) Exec(_ context.Context) error {
	if w.state != stateAllocated {
		return fmt.Errorf("%w: cannot execute when %s", dberrors.ErrInvalidState, w.state)
	}

	if _, err := w.docOp.WriteOp().Mutation(); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	if w.writeReq.StmtType == docdb.StmtInsert {
		if err := w.checkInsertComplete(); err != nil {
			return err
		}
	}

	if err := w.session.enqueue(w.docOp); err != nil {
		return err
	}

	w.state = stateExecuted
	return nil
}

func (w *dmlWrite) checkInsertComplete() error {
	for _, c := range w.desc.Columns() {
		if c.Key || c.Nullable {
			continue
		}
		if _, ok := w.writeReq.ColumnValues[c.Name]; !ok {
			return fmt.Errorf("%w: column %q requires a value", dberrors.ErrInvalidArgument, c.Name)
		}
	}
	return nil
}

// RowsAffected returns the result of the dispatched write.
func (w *dmlWrite) RowsAffected() (int, error) {
	if w.state != stateExecuted {
		return 0, fmt.Errorf("%w: operation is %s", dberrors.ErrInvalidState, w.state)
	}
	return w.docOp.RowsAffected()
}

// Close releases the operation's share of the write request.
func (w *dmlWrite) Close() {
	w.state = stateClosed
	w.docOp = nil
	w.writeReq = nil
	w.desc = nil
}
