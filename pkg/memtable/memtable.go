package memtable

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
)

type concurrentSet = skipmap.FuncMap[[]byte, Item]

func newSet() *concurrentSet {
	return skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

type Config struct {
	FlushThresholdBytes int
	MaxImmTables        int
}

// Memtable keeps the whole tablet state in memory. Writes go to the active
// skip list; once it outgrows the threshold it is frozen and a new one
// starts. When more than MaxImmTables frozen lists pile up they are merged
// into one, so nothing is ever dropped.
type Memtable struct {
	cfg  Config
	size atomic.Uint64

	underlying atomic.Pointer[concurrentSet]
	// frozen tables, newest last
	imm atomic.Pointer[[]*concurrentSet]

	// writers hold it for reading, rotation and merging for writing
	mu sync.RWMutex
}

func New(cfg Config) *Memtable {
	if cfg.FlushThresholdBytes <= 0 {
		cfg.FlushThresholdBytes = 4 << 20
	}
	if cfg.MaxImmTables <= 0 {
		cfg.MaxImmTables = 1
	}

	mt := &Memtable{cfg: cfg}
	mt.underlying.Store(newSet())
	empty := make([]*concurrentSet, 0)
	mt.imm.Store(&empty)
	return mt
}

// Get returns the newest version of the key, tombstones included.
func (mt *Memtable) Get(k []byte) (Item, bool) {
	if it, ok := mt.underlying.Load().Load(k); ok {
		return it, true
	}

	frozen := *mt.imm.Load()
	for i := len(frozen) - 1; i >= 0; i-- {
		if it, ok := frozen[i].Load(k); ok {
			return it, true
		}
	}
	return Item{}, false
}

func (mt *Memtable) Upsert(k, value []byte, seqN, meta uint64) error {
	const (
		mdSize   = 8
		seqNSize = 8
	)

	var (
		entSize   = uint64(len(k)) + uint64(len(value)) + seqNSize + mdSize
		threshold = uint64(mt.cfg.FlushThresholdBytes)
	)

	if entSize > threshold {
		return ErrTooLargeEntry
	}

	item := Item{Key: k, Value: value, SeqN: seqN, Meta: meta}
	for {
		// учет размера и запись под одним RLock, ротация берет Lock
		mt.mu.RLock()
		currentSize := mt.size.Load()
		// пустой список принимает запись любого допустимого размера
		if currentSize == 0 || currentSize+entSize < threshold {
			if mt.size.CompareAndSwap(currentSize, currentSize+entSize) {
				mt.underlying.Load().Store(k, item)
				mt.mu.RUnlock()
				return nil
			}
			mt.mu.RUnlock()
			continue
		}
		mt.mu.RUnlock()

		mt.mu.Lock()
		// someone else may have rotated while we waited
		if size := mt.size.Load(); size != 0 && size+entSize >= threshold {
			mt.rotate()
		}
		mt.mu.Unlock()
	}
}

// must be called with mt.mu held for writing
func (mt *Memtable) rotate() {
	current := mt.underlying.Load()

	frozen := append([]*concurrentSet{}, *mt.imm.Load()...)
	frozen = append(frozen, current)
	if len(frozen) > mt.cfg.MaxImmTables {
		frozen = []*concurrentSet{merge(frozen)}
	}
	mt.imm.Store(&frozen)

	mt.underlying.Store(newSet())
	mt.size.Store(0)
}

// merge folds frozen tables into one, newer versions win. Tombstones are
// dropped since nothing older can be shadowed.
func merge(tables []*concurrentSet) *concurrentSet {
	out := newSet()
	for _, t := range tables {
		t.Range(func(k []byte, it Item) bool {
			out.Store(k, it)
			return true
		})
	}

	var dead [][]byte
	out.Range(func(k []byte, it Item) bool {
		if it.Deleted() {
			dead = append(dead, k)
		}
		return true
	})
	for _, k := range dead {
		out.Delete(k)
	}
	return out
}

// Scan calls fn in key order for the live items whose key starts with
// prefix. Stops early when fn returns false.
func (mt *Memtable) Scan(prefix []byte, fn func(Item) bool) {
	newest := make(map[string]Item)

	collect := func(t *concurrentSet) {
		t.Range(func(k []byte, it Item) bool {
			if bytes.HasPrefix(k, prefix) {
				newest[string(k)] = it
			}
			return true
		})
	}

	// active last so it overrides frozen tables
	for _, t := range *mt.imm.Load() {
		collect(t)
	}
	collect(mt.underlying.Load())

	items := make([]Item, 0, len(newest))
	for _, it := range newest {
		if !it.Deleted() {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Less(&items[j]) })

	for _, it := range items {
		if !fn(it) {
			return
		}
	}
}

// Tables reports the number of skip lists, active included.
func (mt *Memtable) Tables() int {
	return len(*mt.imm.Load()) + 1
}
