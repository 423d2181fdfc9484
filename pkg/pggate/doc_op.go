package pggate

import (
	"fmt"

	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
)

// DocWriteOp binds one storage write op to the session that will batch and
// dispatch it. It is the only owner of the write op; DML operations keep a
// plain pointer into the request body.
type DocWriteOp struct {
	session *Session
	writeOp *docdb.WriteOp

	dispatched bool
	affected   int
	err        error
}

func newDocWriteOp(session *Session, writeOp *docdb.WriteOp) *DocWriteOp {
	return &DocWriteOp{
		session: session,
		writeOp: writeOp,
	}
}

func (d *DocWriteOp) Session() *Session {
	return d.session
}

func (d *DocWriteOp) WriteOp() *docdb.WriteOp {
	return d.writeOp
}

// IsSingleRowTxn reads the transaction mode back from the request.
func (d *DocWriteOp) IsSingleRowTxn() bool {
	return d.writeOp.Request().IsSingleRowTxn
}

// RowsAffected reports the dispatch result. It fails with ErrInvalidState
// while the op is still queued.
func (d *DocWriteOp) RowsAffected() (int, error) {
	d.session.mu.Lock()
	defer d.session.mu.Unlock()

	if !d.dispatched {
		return 0, fmt.Errorf("%w: %s is not dispatched yet", dberrors.ErrInvalidState, d.writeOp)
	}
	return d.affected, d.err
}

// complete must be called with session.mu held.
func (d *DocWriteOp) complete(affected int, err error) {
	d.dispatched = true
	d.affected = affected
	d.err = err
}
