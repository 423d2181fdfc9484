package pggate

import (
	"docgate/pkg/catalog"
	"docgate/pkg/types"
)

// Update is the UPDATE write operation. Whether the statement qualifies for
// the single-row path is decided by the caller and only carried here.
type Update struct {
	dmlWrite
}

// NewUpdate stores the session, table and transaction mode. No request is
// allocated until AllocWriteRequest.
func NewUpdate(session *Session, tableID types.TableID, isSingleRowTxn bool) (*Update, error) {
	w, err := newDMLWrite(session, tableID, isSingleRowTxn)
	if err != nil {
		return nil, err
	}
	return &Update{dmlWrite: w}, nil
}

// AllocWriteRequest allocates the update-mode write request. It may be
// called once; a second call fails with dberrors.ErrInvalidState.
func (u *Update) AllocWriteRequest() error {
	return u.allocate((*catalog.TableDesc).NewUpdate)
}
