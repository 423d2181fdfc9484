package memtable

import "bytes"

const (
	MetaPut    uint64 = 0
	MetaDelete uint64 = 1
)

type Item struct {
	Key   []byte
	Value []byte
	SeqN  uint64
	Meta  uint64
}

func (it *Item) Less(than *Item) bool {
	return bytes.Compare(it.Key, than.Key) < 0
}

// Deleted reports whether the item is a tombstone.
func (it *Item) Deleted() bool {
	return it.Meta&MetaDelete != 0
}
