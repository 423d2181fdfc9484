package tablet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"docgate/pkg/clock"
	"docgate/pkg/compression"
	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/memtable"
	"docgate/pkg/types"
	"docgate/pkg/wal"
)

const kindChanges wal.Kind = 1

var ErrNotPrepared = errors.New("transaction is not prepared on this tablet")

type iJournal interface {
	Start(ctx context.Context)
	Append(ctx context.Context, e wal.Entry) error
	Replay(start types.SeqN, fn func(wal.Entry) error) error
	Close() error
}

type iClock interface {
	Val() types.SeqN
	Next() types.SeqN
	Observe(seen types.SeqN)
}

type Options struct {
	ID             types.TabletID
	DataDir        string
	Memtable       memtable.Config
	WALCompression compression.Codec // сжатие записей журнала
}

// Tablet stores the row documents of one slice of the key space. Rows live
// in a skip-list memtable, every change goes through the write-ahead log
// first. Distributed transactions lock their keys at Prepare and write them
// at Commit; single-row writes touching a locked key fail with
// ErrWriteConflict.
type Tablet struct {
	id   types.TabletID
	jr   iJournal
	seqN iClock
	mt   *memtable.Memtable

	mu       sync.Mutex
	locks    map[string]uuid.UUID
	prepared map[uuid.UUID]*intent
	closed   bool
}

type intent struct {
	keys     [][]byte
	changes  []change
	affected []int
}

// change is the after-image of one row
type change struct {
	key     []byte
	row     map[string]any
	deleted bool
}

type walRecord struct {
	TxnID   uuid.UUID   `json:"txn_id"`
	Changes []walChange `json:"changes"`
}

type walChange struct {
	Key     []byte `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Open opens or creates the tablet under DataDir/ID and replays its log.
func Open(ctx context.Context, opts Options) (*Tablet, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("%w: empty tablet id", dberrors.ErrInvalidArgument)
	}

	journal, err := wal.New(filepath.Join(opts.DataDir, string(opts.ID)), wal.WithCompression(opts.WALCompression))
	if err != nil {
		return nil, err
	}

	t := &Tablet{
		id:       opts.ID,
		jr:       journal,
		seqN:     clock.NewAtomic(0),
		mt:       memtable.New(opts.Memtable),
		locks:    make(map[string]uuid.UUID),
		prepared: make(map[uuid.UUID]*intent),
	}

	if err := t.restoreFromJournal(); err != nil {
		_ = journal.Close()
		return nil, err
	}

	t.jr.Start(ctx)

	slog.Info("tablet opened", "tablet", t.id, "seq", t.seqN.Val())
	return t, nil
}

func (t *Tablet) restoreFromJournal() error {
	return t.jr.Replay(0, func(e wal.Entry) error {
		if e.Kind != kindChanges {
			return fmt.Errorf("unknown record kind %d at seq %d", e.Kind, e.SeqNum)
		}

		var rec walRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return fmt.Errorf("decode record %d: %w", e.SeqNum, err)
		}

		t.seqN.Observe(e.SeqNum)
		for _, c := range rec.Changes {
			if err := t.upsert(c, e.SeqNum); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Tablet) ID() types.TabletID {
	return t.id
}

// Get returns the stored row or false if the key is absent.
func (t *Tablet) Get(_ context.Context, key []byte) (map[string]any, bool, error) {
	return t.read(key)
}

func (t *Tablet) read(key []byte) (map[string]any, bool, error) {
	it, ok := t.mt.Get(key)
	if !ok || it.Deleted() {
		return nil, false, nil
	}

	row, err := docdb.DecodeRow(it.Value)
	if err != nil {
		return nil, false, fmt.Errorf("tablet %s: %w", t.id, err)
	}
	return row, true, nil
}

// Scan returns up to limit rows whose key starts with prefix, in key order.
// limit <= 0 means no limit.
func (t *Tablet) Scan(_ context.Context, prefix []byte, limit int) ([]map[string]any, error) {
	var (
		rows []map[string]any
		err  error
	)

	t.mt.Scan(prefix, func(it memtable.Item) bool {
		var row map[string]any
		row, err = docdb.DecodeRow(it.Value)
		if err != nil {
			return false
		}
		rows = append(rows, row)
		return limit <= 0 || len(rows) < limit
	})

	if err != nil {
		return nil, fmt.Errorf("tablet %s: %w", t.id, err)
	}
	return rows, nil
}

// Check evaluates the batch against the current state without writing.
func (t *Tablet) Check(_ context.Context, batch docdb.Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return dberrors.ErrClosed
	}
	_, _, err := t.plan(batch, uuid.Nil)
	return err
}

// Apply writes a batch outside of any distributed transaction and returns
// rows affected per mutation.
func (t *Tablet) Apply(ctx context.Context, batch docdb.Batch) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, dberrors.ErrClosed
	}

	changes, affected, err := t.plan(batch, uuid.Nil)
	if err != nil {
		return nil, err
	}
	if err := t.persist(ctx, batch.TxnID, changes); err != nil {
		return nil, err
	}
	return affected, nil
}

// Prepare checks the batch and locks its keys for txnID. Preparing the same
// transaction twice is a no-op.
func (t *Tablet) Prepare(_ context.Context, txnID uuid.UUID, batch docdb.Batch) error {
	if txnID == uuid.Nil {
		return fmt.Errorf("%w: prepare needs a transaction id", dberrors.ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return dberrors.ErrClosed
	}
	if _, ok := t.prepared[txnID]; ok {
		return nil
	}

	changes, affected, err := t.plan(batch, txnID)
	if err != nil {
		return err
	}

	keys := batch.Keys()
	for _, k := range keys {
		t.locks[string(k)] = txnID
	}
	t.prepared[txnID] = &intent{keys: keys, changes: changes, affected: affected}

	slog.Debug("transaction prepared", "tablet", t.id, "txn", txnID, "writes", len(batch.Mutations))
	return nil
}

// Commit writes the prepared changes of txnID and releases its locks.
func (t *Tablet) Commit(ctx context.Context, txnID uuid.UUID) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, dberrors.ErrClosed
	}

	in, ok := t.prepared[txnID]
	if !ok {
		return nil, fmt.Errorf("tablet %s: txn %s: %w", t.id, txnID, ErrNotPrepared)
	}

	if err := t.persist(ctx, txnID, in.changes); err != nil {
		return nil, err
	}
	t.release(txnID)
	return in.affected, nil
}

// Abort drops the prepared changes of txnID. Unknown transactions are
// ignored.
func (t *Tablet) Abort(_ context.Context, txnID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.release(txnID)
	return nil
}

func (t *Tablet) release(txnID uuid.UUID) {
	in, ok := t.prepared[txnID]
	if !ok {
		return
	}
	for _, k := range in.keys {
		if t.locks[string(k)] == txnID {
			delete(t.locks, string(k))
		}
	}
	delete(t.prepared, txnID)
}

// plan resolves the batch into after-images. Later mutations of the batch
// see the effect of earlier ones. Must be called with t.mu held.
func (t *Tablet) plan(batch docdb.Batch, owner uuid.UUID) ([]change, []int, error) {
	var (
		changes  = make([]change, 0, len(batch.Mutations))
		affected = make([]int, len(batch.Mutations))
		overlay  = make(map[string]int) // key -> index in changes
	)

	for i, m := range batch.Mutations {
		k := string(m.Key)
		if holder, locked := t.locks[k]; locked && holder != owner {
			return nil, nil, fmt.Errorf("%w: key is locked by txn %s", dberrors.ErrWriteConflict, holder)
		}

		var (
			row    map[string]any
			exists bool
		)
		if idx, ok := overlay[k]; ok {
			row, exists = changes[idx].row, !changes[idx].deleted
		} else {
			var err error
			if row, exists, err = t.read(m.Key); err != nil {
				return nil, nil, err
			}
		}

		next, n, err := evaluate(m, row, exists)
		if err != nil {
			return nil, nil, fmt.Errorf("mutation %d: %w", i, err)
		}
		affected[i] = n
		if next == nil {
			continue
		}

		if idx, ok := overlay[k]; ok {
			changes[idx] = *next
		} else {
			overlay[k] = len(changes)
			changes = append(changes, *next)
		}
	}

	return changes, affected, nil
}

// evaluate applies one mutation to the current row. A nil change means
// nothing to write.
func evaluate(m docdb.Mutation, row map[string]any, exists bool) (*change, int, error) {
	switch m.Type {
	case docdb.StmtInsert:
		if exists {
			return nil, 0, dberrors.ErrDuplicateKey
		}
		return &change{key: m.Key, row: m.Row}, 1, nil

	case docdb.StmtUpdate, docdb.StmtDelete:
		if !exists {
			return nil, 0, nil
		}
		ok, err := docdb.Matches(row, m.Where)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
		}
		if !ok {
			return nil, 0, nil
		}
		if m.Type == docdb.StmtDelete {
			return &change{key: m.Key, deleted: true}, 1, nil
		}
		return &change{key: m.Key, row: docdb.Merge(row, m.Row)}, 1, nil

	default:
		return nil, 0, fmt.Errorf("%w: unknown statement type %v", dberrors.ErrInvalidArgument, m.Type)
	}
}

// persist logs the changes and then makes them visible. Must be called with
// t.mu held.
func (t *Tablet) persist(ctx context.Context, txnID uuid.UUID, changes []change) error {
	if len(changes) == 0 {
		return nil
	}

	rec := walRecord{TxnID: txnID, Changes: make([]walChange, len(changes))}
	for i, c := range changes {
		wc := walChange{Key: c.key, Deleted: c.deleted}
		if !c.deleted {
			v, err := docdb.EncodeRow(c.row)
			if err != nil {
				return fmt.Errorf("encode row: %w", err)
			}
			wc.Value = v
		}
		rec.Changes[i] = wc
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	seq := t.seqN.Next()
	if err := t.jr.Append(ctx, wal.Entry{SeqNum: seq, Kind: kindChanges, Payload: payload}); err != nil {
		return fmt.Errorf("tablet %s: append to WAL: %w", t.id, err)
	}

	for _, wc := range rec.Changes {
		if err := t.upsert(wc, seq); err != nil {
			// the record is durable, the state will be restored on replay
			slog.Error("failed to apply logged change", "tablet", t.id, "seq", seq, "error", err)
			return err
		}
	}
	return nil
}

func (t *Tablet) upsert(c walChange, seq types.SeqN) error {
	meta := memtable.MetaPut
	if c.Deleted {
		meta = memtable.MetaDelete
	}
	return t.mt.Upsert(c.Key, c.Value, seq, meta)
}

// Close stops the log writer. Prepared transactions are lost.
func (t *Tablet) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if n := len(t.prepared); n > 0 {
		slog.Warn("closing tablet with prepared transactions", "tablet", t.id, "count", n)
	}
	return t.jr.Close()
}
