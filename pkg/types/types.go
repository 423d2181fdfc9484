package types

import "github.com/google/uuid"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence used for WAL ordering.
type SeqN = uint64

// TableID names a table globally. It is opaque to everything but the catalog.
type TableID uuid.UUID

func NewTableID() TableID {
	return TableID(uuid.New())
}

func ParseTableID(s string) (TableID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TableID{}, err
	}
	return TableID(id), nil
}

func (id TableID) String() string {
	return uuid.UUID(id).String()
}

func (id TableID) IsZero() bool {
	return id == TableID{}
}

// TxnID identifies a distributed transaction.
type TxnID = uuid.UUID

// TabletID identifies a tablet (a shard of the key space).
type TabletID string

// NodeID identifies a tablet server in a cluster.
type NodeID string

func (id TableID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *TableID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
