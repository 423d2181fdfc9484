package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

const (
	defaultTimeout   = 10 * time.Second
	commitRetries    = 3
	commitRetryDelay = 50 * time.Millisecond
	keepFinished     = 1024
)

// iParticipants reaches the tablets that own the keys of a transaction.
type iParticipants interface {
	Group(mutations []docdb.Mutation) (map[types.TabletID][]int, error)
	Prepare(ctx context.Context, tablet types.TabletID, txnID uuid.UUID, batch docdb.Batch) error
	Commit(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) ([]int, error)
	Abort(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) error
}

// Coordinator runs distributed transactions as two-phase commits over the
// tablets. Phase one prepares (checks and locks) the mutations on every
// tablet, phase two commits them once all tablets agreed.
type Coordinator struct {
	parts   iParticipants
	latches *Latches
	records *records
	timeout time.Duration

	finishedMu sync.Mutex
	finished   []uuid.UUID
}

func NewCoordinator(parts iParticipants, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Coordinator{
		parts:   parts,
		latches: NewLatches(),
		records: newRecords(),
		timeout: timeout,
	}
}

// Commit applies mutations atomically and returns rows affected per
// mutation. A failure before the commit point aborts the transaction and is
// reported as dberrors.ErrTxnAborted wrapping the cause.
func (c *Coordinator) Commit(ctx context.Context, txnID uuid.UUID, mutations []docdb.Mutation) ([]int, error) {
	if len(mutations) == 0 {
		return nil, nil
	}
	if txnID == uuid.Nil {
		txnID = uuid.New()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	keys := make([][]byte, len(mutations))
	for i, m := range mutations {
		keys[i] = m.Key
	}
	latched, err := c.latches.Acquire(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("txn %s: acquire latches: %w", txnID, err)
	}
	defer c.latches.Release(latched)

	groups, err := c.parts.Group(mutations)
	if err != nil {
		return nil, fmt.Errorf("txn %s: %w", txnID, err)
	}
	tablets := sortedTablets(groups)

	rec := Record{
		ID:        txnID,
		State:     StatePending,
		Tablets:   tablets,
		Writes:    len(mutations),
		StartedAt: time.Now(),
	}
	c.records.put(rec)

	slog.Debug("transaction started", "txn", txnID, "tablets", len(tablets), "writes", len(mutations))

	if err := c.prepare(ctx, txnID, mutations, groups); err != nil {
		c.abort(txnID, tablets)
		c.finish(rec, StateAborted, err)
		return nil, fmt.Errorf("txn %s: %w: %w", txnID, dberrors.ErrTxnAborted, err)
	}

	// commit point
	c.finish(rec, StateCommitted, nil)

	affected := make([]int, len(mutations))
	var errs []error
	for _, tablet := range tablets {
		res, err := c.commitTablet(ctx, tablet, txnID)
		if err == nil && len(res) != len(groups[tablet]) {
			err = fmt.Errorf("tablet %s returned %d results for %d writes", tablet, len(res), len(groups[tablet]))
		}
		if err != nil {
			slog.Error("failed to commit prepared transaction", "txn", txnID, "tablet", tablet, "error", err)
			errs = append(errs, fmt.Errorf("commit on %s: %w", tablet, err))
			continue
		}
		for i, idx := range groups[tablet] {
			affected[idx] = res[i]
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("txn %s committed with failures: %w", txnID, errors.Join(errs...))
	}
	return affected, nil
}

func (c *Coordinator) prepare(ctx context.Context, txnID uuid.UUID, mutations []docdb.Mutation, groups map[types.TabletID][]int) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for tablet, idxs := range groups {
		batch := docdb.Batch{TxnID: txnID, Mutations: make([]docdb.Mutation, len(idxs))}
		for i, idx := range idxs {
			batch.Mutations[i] = mutations[idx]
		}

		wg.Add(1)
		go func(tablet types.TabletID, batch docdb.Batch) {
			defer wg.Done()
			if err := c.parts.Prepare(ctx, tablet, txnID, batch); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("prepare on %s: %w", tablet, err))
				mu.Unlock()
			}
		}(tablet, batch)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (c *Coordinator) commitTablet(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) ([]int, error) {
	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		res, err := c.parts.Commit(ctx, tablet, txnID)
		if err == nil {
			return res, nil
		}
		lastErr = err

		select {
		case <-time.After(commitRetryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		}
	}
	return nil, lastErr
}

// abort releases the prepared state on every tablet. Runs on its own
// context since the transaction context may be the reason of the abort.
func (c *Coordinator) abort(txnID uuid.UUID, tablets []types.TabletID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, tablet := range tablets {
		if err := c.parts.Abort(ctx, tablet, txnID); err != nil {
			slog.Warn("failed to abort transaction on tablet", "txn", txnID, "tablet", tablet, "error", err)
		}
	}
}

func (c *Coordinator) finish(rec Record, state State, cause error) {
	rec.State = state
	rec.EndedAt = time.Now()
	if cause != nil {
		rec.Err = cause.Error()
	}
	c.records.put(rec)

	slog.Debug("transaction finished", "txn", rec.ID, "state", state, "took", rec.EndedAt.Sub(rec.StartedAt))

	c.finishedMu.Lock()
	defer c.finishedMu.Unlock()

	c.finished = append(c.finished, rec.ID)
	for len(c.finished) > keepFinished {
		c.records.remove(c.finished[0])
		c.finished = c.finished[1:]
	}
}

// Record returns the status of a transaction known to this coordinator.
func (c *Coordinator) Record(id uuid.UUID) (Record, bool) {
	return c.records.get(id)
}

// Records lists the recent transactions ordered by id.
func (c *Coordinator) Records() []Record {
	return c.records.list()
}

func sortedTablets(groups map[types.TabletID][]int) []types.TabletID {
	out := make([]types.TabletID, 0, len(groups))
	for t := range groups {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
