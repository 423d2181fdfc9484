package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

var (
	ErrNoTablets      = errors.New("cluster: ring has no tablets")
	ErrUnknownTablet  = errors.New("cluster: unknown tablet")
	ErrNotInitialized = errors.New("cluster: topology is not initialized")
)

// Tablet is what the router needs from a tablet, local or replicated.
type Tablet interface {
	Get(ctx context.Context, key []byte) (map[string]any, bool, error)
	Scan(ctx context.Context, prefix []byte, limit int) ([]map[string]any, error)
	Check(ctx context.Context, batch docdb.Batch) error
	Apply(ctx context.Context, batch docdb.Batch) ([]int, error)
	Prepare(ctx context.Context, txnID uuid.UUID, batch docdb.Batch) error
	Commit(ctx context.Context, txnID uuid.UUID) ([]int, error)
	Abort(ctx context.Context, txnID uuid.UUID) error
}

// Remote is a client to another tablet server.
type Remote interface {
	Get(ctx context.Context, tablet types.TabletID, key []byte) (map[string]any, bool, error)
	Scan(ctx context.Context, tablet types.TabletID, prefix []byte, limit int) ([]map[string]any, error)
	Check(ctx context.Context, tablet types.TabletID, batch docdb.Batch) error
	Apply(ctx context.Context, tablet types.TabletID, batch docdb.Batch) ([]int, error)
	Prepare(ctx context.Context, tablet types.TabletID, txnID uuid.UUID, batch docdb.Batch) error
	Commit(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) ([]int, error)
	Abort(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) error
}

// ClientFactory фабрика удалённых клиентов по адресу ноды
type ClientFactory func(addr string) (Remote, error)

// Router maps doc keys to tablets and sends every request either to a local
// tablet or to the node hosting it.
type Router struct {
	local     types.NodeID
	tablets   map[types.TabletID]Tablet
	newClient ClientFactory

	topology atomic.Pointer[Topology]

	clientsMu sync.Mutex
	clients   map[string]Remote
}

func NewRouter(local types.NodeID, tablets map[types.TabletID]Tablet, newClient ClientFactory) *Router {
	return &Router{
		local:     local,
		tablets:   tablets,
		newClient: newClient,
		clients:   make(map[string]Remote),
	}
}

func (r *Router) UpdateTopology(t *Topology) {
	r.topology.Store(t)
	slog.Info("topology updated", "nodes", len(t.Nodes()), "tablets", len(t.Tablets()))
}

func (r *Router) Topology() (*Topology, error) {
	t := r.topology.Load()
	if t == nil {
		return nil, ErrNotInitialized
	}
	return t, nil
}

// LocalTablet returns a tablet hosted by this node.
func (r *Router) LocalTablet(id types.TabletID) (Tablet, error) {
	t, ok := r.tablets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not hosted on %s", ErrUnknownTablet, id, r.local)
	}
	return t, nil
}

// Owner returns the tablet owning the key.
func (r *Router) Owner(key []byte) (types.TabletID, error) {
	topo, err := r.Topology()
	if err != nil {
		return "", err
	}
	return topo.Owner(key)
}

// Group splits mutations by owning tablet, keeping their order.
func (r *Router) Group(mutations []docdb.Mutation) (map[types.TabletID][]int, error) {
	topo, err := r.Topology()
	if err != nil {
		return nil, err
	}

	groups := make(map[types.TabletID][]int)
	for i, m := range mutations {
		tablet, err := topo.Owner(m.Key)
		if err != nil {
			return nil, err
		}
		groups[tablet] = append(groups[tablet], i)
	}
	return groups, nil
}

func (r *Router) participant(id types.TabletID) (Tablet, error) {
	if t, ok := r.tablets[id]; ok {
		return t, nil
	}

	topo, err := r.Topology()
	if err != nil {
		return nil, err
	}
	host, ok := topo.Host(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTablet, id)
	}
	if host.ID == r.local {
		return nil, fmt.Errorf("%w: %s is placed here but not open", ErrUnknownTablet, id)
	}

	cl, err := r.client(host.Addr)
	if err != nil {
		return nil, fmt.Errorf("router: create client for %s: %w", host.Addr, err)
	}
	return &remoteTablet{id: id, remote: cl}, nil
}

func (r *Router) client(addr string) (Remote, error) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	if cl, ok := r.clients[addr]; ok {
		return cl, nil
	}
	if r.newClient == nil {
		return nil, fmt.Errorf("no client factory")
	}

	cl, err := r.newClient(addr)
	if err != nil {
		return nil, err
	}
	r.clients[addr] = cl
	return cl, nil
}

func (r *Router) log(method string, tablet types.TabletID, n int) {
	where := "remote"
	if _, ok := r.tablets[tablet]; ok {
		where = "local"
	}
	slog.Debug("routing", "method", method, "tablet", tablet, "where", where, "writes", n)
}

// Write applies the batch on the owning tablets without a distributed
// transaction. Each tablet applies its part atomically; the batch as a whole
// is atomic only when it stays within one tablet.
func (r *Router) Write(ctx context.Context, batch docdb.Batch) ([]int, error) {
	groups, err := r.Group(batch.Mutations)
	if err != nil {
		return nil, err
	}

	affected := make([]int, len(batch.Mutations))
	for tablet, idxs := range groups {
		r.log("APPLY", tablet, len(idxs))

		t, err := r.participant(tablet)
		if err != nil {
			return nil, err
		}
		res, err := t.Apply(ctx, subBatch(batch, idxs))
		if err != nil {
			return nil, fmt.Errorf("apply on %s: %w", tablet, err)
		}
		if len(res) != len(idxs) {
			return nil, fmt.Errorf("apply on %s: %d results for %d writes", tablet, len(res), len(idxs))
		}
		for i, idx := range idxs {
			affected[idx] = res[i]
		}
	}
	return affected, nil
}

// Check validates the batch on the owning tablets without writing.
func (r *Router) Check(ctx context.Context, batch docdb.Batch) error {
	groups, err := r.Group(batch.Mutations)
	if err != nil {
		return err
	}

	for tablet, idxs := range groups {
		t, err := r.participant(tablet)
		if err != nil {
			return err
		}
		if err := t.Check(ctx, subBatch(batch, idxs)); err != nil {
			return fmt.Errorf("check on %s: %w", tablet, err)
		}
	}
	return nil
}

func (r *Router) Prepare(ctx context.Context, tablet types.TabletID, txnID uuid.UUID, batch docdb.Batch) error {
	r.log("PREPARE", tablet, len(batch.Mutations))
	t, err := r.participant(tablet)
	if err != nil {
		return err
	}
	return t.Prepare(ctx, txnID, batch)
}

func (r *Router) Commit(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) ([]int, error) {
	r.log("COMMIT", tablet, 0)
	t, err := r.participant(tablet)
	if err != nil {
		return nil, err
	}
	return t.Commit(ctx, txnID)
}

func (r *Router) Abort(ctx context.Context, tablet types.TabletID, txnID uuid.UUID) error {
	t, err := r.participant(tablet)
	if err != nil {
		return err
	}
	return t.Abort(ctx, txnID)
}

// Get reads a row by its doc key.
func (r *Router) Get(ctx context.Context, key []byte) (map[string]any, bool, error) {
	tablet, err := r.Owner(key)
	if err != nil {
		return nil, false, err
	}
	t, err := r.participant(tablet)
	if err != nil {
		return nil, false, err
	}
	return t.Get(ctx, key)
}

// Scan collects rows with the key prefix from every tablet. Rows are grouped
// by tablet, not globally ordered.
func (r *Router) Scan(ctx context.Context, prefix []byte, limit int) ([]map[string]any, error) {
	topo, err := r.Topology()
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	for _, tablet := range topo.Tablets() {
		t, err := r.participant(tablet)
		if err != nil {
			return nil, err
		}
		part, err := t.Scan(ctx, prefix, remaining(limit, len(rows)))
		if err != nil {
			return nil, fmt.Errorf("scan on %s: %w", tablet, err)
		}
		rows = append(rows, part...)
		if limit > 0 && len(rows) >= limit {
			return rows[:limit], nil
		}
	}
	return rows, nil
}

func remaining(limit, have int) int {
	if limit <= 0 {
		return 0
	}
	return limit - have
}

func subBatch(batch docdb.Batch, idxs []int) docdb.Batch {
	sub := docdb.Batch{TxnID: batch.TxnID, Mutations: make([]docdb.Mutation, len(idxs))}
	for i, idx := range idxs {
		sub.Mutations[i] = batch.Mutations[idx]
	}
	return sub
}

// remoteTablet binds a remote client to one tablet.
type remoteTablet struct {
	id     types.TabletID
	remote Remote
}

func (t *remoteTablet) Get(ctx context.Context, key []byte) (map[string]any, bool, error) {
	return t.remote.Get(ctx, t.id, key)
}

func (t *remoteTablet) Scan(ctx context.Context, prefix []byte, limit int) ([]map[string]any, error) {
	return t.remote.Scan(ctx, t.id, prefix, limit)
}

func (t *remoteTablet) Check(ctx context.Context, batch docdb.Batch) error {
	return t.remote.Check(ctx, t.id, batch)
}

func (t *remoteTablet) Apply(ctx context.Context, batch docdb.Batch) ([]int, error) {
	return t.remote.Apply(ctx, t.id, batch)
}

func (t *remoteTablet) Prepare(ctx context.Context, txnID uuid.UUID, batch docdb.Batch) error {
	return t.remote.Prepare(ctx, t.id, txnID, batch)
}

func (t *remoteTablet) Commit(ctx context.Context, txnID uuid.UUID) ([]int, error) {
	return t.remote.Commit(ctx, t.id, txnID)
}

func (t *remoteTablet) Abort(ctx context.Context, txnID uuid.UUID) error {
	return t.remote.Abort(ctx, t.id, txnID)
}
