package pggate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"docgate/pkg/catalog"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

// countingCatalog wraps a real catalog and counts lookups
type countingCatalog struct {
	*catalog.Catalog
	resolves int
	fail     error
}

func (c *countingCatalog) Resolve(id types.TableID) (*catalog.TableDesc, error) {
	c.resolves++
	if c.fail != nil {
		return nil, c.fail
	}
	return c.Catalog.Resolve(id)
}

// dispatchLog is shared by the fakes to check the order of writes
type dispatchLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *dispatchLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

// fakeRows records single-row writes
type fakeRows struct {
	mu      sync.Mutex
	log     *dispatchLog
	batches []docdb.Batch
	result  int
	err     error
}

func (f *fakeRows) Write(_ context.Context, batch docdb.Batch) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	f.log.add("row")
	if f.err != nil {
		return nil, f.err
	}
	res := make([]int, len(batch.Mutations))
	for i := range res {
		res[i] = f.result
	}
	return res, nil
}

// fakeTxns records distributed transactions
type fakeTxns struct {
	mu     sync.Mutex
	log    *dispatchLog
	txns   map[uuid.UUID][]docdb.Mutation
	order  []uuid.UUID
	result int
	err    error
}

func newFakeTxns() *fakeTxns {
	return &fakeTxns{txns: make(map[uuid.UUID][]docdb.Mutation), result: 1}
}

func (f *fakeTxns) Commit(_ context.Context, txnID uuid.UUID, muts []docdb.Mutation) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.txns[txnID] = muts
	f.order = append(f.order, txnID)
	f.log.add("txn")
	res := make([]int, len(muts))
	for i := range res {
		res[i] = f.result
	}
	return res, nil
}

type fixture struct {
	log      *dispatchLog
	cat      *countingCatalog
	rows     *fakeRows
	txns     *fakeTxns
	session  *Session
	accounts *catalog.TableDesc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat, err := catalog.New(16)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(cat.Close)

	accounts, err := cat.CreateTable("accounts", []catalog.Column{
		{Name: "id", Type: catalog.TypeInt, Key: true},
		{Name: "owner", Type: catalog.TypeText},
		{Name: "balance", Type: catalog.TypeFloat, Nullable: true},
	})
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	f := &fixture{
		log:      &dispatchLog{},
		cat:      &countingCatalog{Catalog: cat},
		rows:     &fakeRows{result: 1},
		txns:     newFakeTxns(),
		accounts: accounts,
	}
	f.rows.log, f.txns.log = f.log, f.log
	f.session = NewSession(f.cat, f.rows, f.txns)
	t.Cleanup(f.session.Close)
	return f
}

var errMetadataUnavailable = errors.New("metadata unavailable")
