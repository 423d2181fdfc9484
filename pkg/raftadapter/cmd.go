package raftadapter

import (
	"fmt"

	"github.com/google/uuid"

	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

type Operation string

const (
	OpApply   Operation = "apply"
	OpPrepare Operation = "prepare"
	OpCommit  Operation = "commit"
	OpAbort   Operation = "abort"
)

// Cmd is a tablet write replicated through the raft log.
type Cmd struct {
	ID     uuid.UUID      `json:"id"`
	Op     Operation      `json:"op"`
	Tablet types.TabletID `json:"tablet"`
	TxnID  uuid.UUID      `json:"txn_id,omitempty"`
	Batch  docdb.Batch    `json:"batch"`
}

func NewCmd(op Operation, tablet types.TabletID, txnID uuid.UUID, batch docdb.Batch) Cmd {
	return Cmd{
		ID:     uuid.New(),
		Op:     op,
		Tablet: tablet,
		TxnID:  txnID,
		Batch:  batch,
	}
}

func (c Cmd) validate() error {
	if c.Tablet == "" {
		return fmt.Errorf("invalid command: empty tablet")
	}
	switch c.Op {
	case OpApply:
		if len(c.Batch.Mutations) == 0 {
			return fmt.Errorf("invalid command: empty batch")
		}
	case OpPrepare:
		if c.TxnID == uuid.Nil || len(c.Batch.Mutations) == 0 {
			return fmt.Errorf("invalid command: prepare needs a txn id and a batch")
		}
	case OpCommit, OpAbort:
		if c.TxnID == uuid.Nil {
			return fmt.Errorf("invalid command: empty txn id")
		}
	default:
		return fmt.Errorf("unknown operation: %q", c.Op)
	}
	return nil
}

// normalize restores datums after the JSON round trip through the log
func (c *Cmd) normalize() error {
	for i := range c.Batch.Mutations {
		if err := c.Batch.Mutations[i].Normalize(); err != nil {
			return err
		}
	}
	return nil
}
