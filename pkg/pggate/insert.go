package pggate

import (
	"docgate/pkg/catalog"
	"docgate/pkg/types"
)

type Insert struct {
	dmlWrite
}

func NewInsert(session *Session, tableID types.TableID, isSingleRowTxn bool) (*Insert, error) {
	w, err := newDMLWrite(session, tableID, isSingleRowTxn)
	if err != nil {
		return nil, err
	}
	return &Insert{dmlWrite: w}, nil
}

func (i *Insert) AllocWriteRequest() error {
	return i.allocate((*catalog.TableDesc).NewInsert)
}
