package pggate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"docgate/pkg/catalog"
	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

type iCatalog interface {
	Resolve(id types.TableID) (*catalog.TableDesc, error)
}

// iRowWriter applies a batch on the tablets owning its keys without any
// transaction bookkeeping. Returns rows affected per mutation.
type iRowWriter interface {
	Write(ctx context.Context, batch docdb.Batch) ([]int, error)
}

type iTxnCoordinator interface {
	Commit(ctx context.Context, txnID uuid.UUID, mutations []docdb.Mutation) ([]int, error)
}

// Session is the execution context shared by the DML operations of one
// connection. It queues document write ops and dispatches them on Flush:
// single-row ops go straight to the tablets, the rest run in a distributed
// transaction.
type Session struct {
	id      uuid.UUID
	catalog iCatalog
	rows    iRowWriter
	txns    iTxnCoordinator

	mu      sync.Mutex
	pending []*DocWriteOp
	txn     *sessionTxn
	closed  bool
}

// explicit transaction block opened by BeginTxn
type sessionTxn struct {
	id  uuid.UUID
	ops []*DocWriteOp
}

func NewSession(cat iCatalog, rows iRowWriter, txns iTxnCoordinator) *Session {
	return &Session{
		id:      uuid.New(),
		catalog: cat,
		rows:    rows,
		txns:    txns,
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// Valid reports whether operations may still be built on the session.
func (s *Session) Valid() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) resolve(id types.TableID) (*catalog.TableDesc, error) {
	if s.catalog == nil {
		return nil, fmt.Errorf("%w: session has no catalog", dberrors.ErrTableNotFound)
	}
	return s.catalog.Resolve(id)
}

func (s *Session) enqueue(op *DocWriteOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: session %s is closed", dberrors.ErrInvalidSession, s.id)
	}
	if op.session != s {
		return fmt.Errorf("%w: op belongs to another session", dberrors.ErrInvalidState)
	}

	s.pending = append(s.pending, op)
	return nil
}

func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) InTxn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txn != nil
}

func (s *Session) BeginTxn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return dberrors.ErrInvalidSession
	}
	if s.txn != nil {
		return fmt.Errorf("%w: transaction %s already in progress", dberrors.ErrInvalidState, s.txn.id)
	}

	s.txn = &sessionTxn{id: uuid.New()}
	slog.Debug("transaction started", "session", s.id, "txn", s.txn.id)
	return nil
}

// Flush dispatches the queued ops in queue order. Each run of transactional
// ops is one distributed transaction. Inside a transaction block the ops are
// moved to the transaction and written on CommitTxn.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dberrors.ErrInvalidSession
	}
	ops := s.pending
	s.pending = nil
	if s.txn != nil {
		s.txn.ops = append(s.txn.ops, ops...)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	var (
		errs    []error
		txnOps  []*DocWriteOp
		txnMuts []docdb.Mutation
	)

	// подряд идущие транзакционные ops коммитятся одной транзакцией,
	// single-row op сначала дожидается коммита группы перед ним
	commitGroup := func() {
		if len(txnOps) == 0 {
			return
		}
		if err := s.commit(ctx, uuid.New(), txnOps, txnMuts); err != nil {
			errs = append(errs, err)
		}
		txnOps, txnMuts = nil, nil
	}

	for _, op := range ops {
		m, err := op.writeOp.Mutation()
		if err != nil {
			s.completeOne(op, 0, err)
			errs = append(errs, err)
			continue
		}

		if !op.IsSingleRowTxn() {
			txnOps = append(txnOps, op)
			txnMuts = append(txnMuts, m)
			continue
		}

		commitGroup()
		affected, err := s.writeSingleRow(ctx, m)
		s.completeOne(op, affected, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op.writeOp, err))
		}
	}
	commitGroup()

	return errors.Join(errs...)
}

func (s *Session) writeSingleRow(ctx context.Context, m docdb.Mutation) (int, error) {
	if s.rows == nil {
		return 0, fmt.Errorf("%w: session has no row writer", dberrors.ErrInvalidSession)
	}

	res, err := s.rows.Write(ctx, docdb.Batch{Mutations: []docdb.Mutation{m}})
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("single-row write returned %d results", len(res))
	}
	return res[0], nil
}

func (s *Session) commit(ctx context.Context, txnID uuid.UUID, ops []*DocWriteOp, muts []docdb.Mutation) error {
	if s.txns == nil {
		err := fmt.Errorf("%w: session has no transaction coordinator", dberrors.ErrInvalidSession)
		s.completeAll(ops, err)
		return err
	}

	res, err := s.txns.Commit(ctx, txnID, muts)
	if err == nil && len(res) != len(ops) {
		err = fmt.Errorf("transaction %s returned %d results for %d writes", txnID, len(res), len(ops))
	}
	if err != nil {
		s.completeAll(ops, err)
		return fmt.Errorf("transaction %s: %w", txnID, err)
	}

	s.mu.Lock()
	for i, op := range ops {
		op.complete(res[i], nil)
	}
	s.mu.Unlock()
	return nil
}

// CommitTxn flushes the queue into the transaction block and commits it.
func (s *Session) CommitTxn(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dberrors.ErrInvalidSession
	}
	txn := s.txn
	if txn == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no transaction in progress", dberrors.ErrInvalidState)
	}
	txn.ops = append(txn.ops, s.pending...)
	s.pending = nil
	s.txn = nil
	s.mu.Unlock()

	var (
		ops  []*DocWriteOp
		muts []docdb.Mutation
		errs []error
	)
	for _, op := range txn.ops {
		m, err := op.writeOp.Mutation()
		if err != nil {
			s.completeOne(op, 0, err)
			errs = append(errs, err)
			continue
		}
		ops = append(ops, op)
		muts = append(muts, m)
	}

	if len(errs) > 0 {
		s.completeAll(ops, dberrors.ErrTxnAborted)
		return errors.Join(append(errs, fmt.Errorf("transaction %s: %w", txn.id, dberrors.ErrTxnAborted))...)
	}
	if len(ops) == 0 {
		return nil
	}

	slog.Debug("committing transaction", "session", s.id, "txn", txn.id, "writes", len(ops))
	return s.commit(ctx, txn.id, ops, muts)
}

// AbortTxn drops the transaction block. Nothing was written yet.
func (s *Session) AbortTxn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txn == nil {
		return fmt.Errorf("%w: no transaction in progress", dberrors.ErrInvalidState)
	}

	ops := append(s.txn.ops, s.pending...)
	for _, op := range ops {
		op.complete(0, dberrors.ErrTxnAborted)
	}

	slog.Debug("transaction aborted", "session", s.id, "txn", s.txn.id, "writes", len(ops))
	s.txn = nil
	s.pending = nil
	return nil
}

// Close invalidates the session and fails everything still queued.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	ops := s.pending
	if s.txn != nil {
		ops = append(ops, s.txn.ops...)
	}
	for _, op := range ops {
		op.complete(0, dberrors.ErrClosed)
	}
	s.pending = nil
	s.txn = nil
}

func (s *Session) completeOne(op *DocWriteOp, affected int, err error) {
	s.mu.Lock()
	op.complete(affected, err)
	s.mu.Unlock()
}

func (s *Session) completeAll(ops []*DocWriteOp, err error) {
	s.mu.Lock()
	for _, op := range ops {
		op.complete(0, err)
	}
	s.mu.Unlock()
}
