package pggate

import (
	"docgate/pkg/catalog"
	"docgate/pkg/types"
)

type Delete struct {
	dmlWrite
}

func NewDelete(session *Session, tableID types.TableID, isSingleRowTxn bool) (*Delete, error) {
	w, err := newDMLWrite(session, tableID, isSingleRowTxn)
	if err != nil {
		return nil, err
	}
	return &Delete{dmlWrite: w}, nil
}

func (d *Delete) AllocWriteRequest() error {
	return d.allocate((*catalog.TableDesc).NewDelete)
}
