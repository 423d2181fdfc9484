package raftadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"docgate/pkg/config"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

var ErrStopped = errors.New("raft node stopped")

// Tablet is the state machine driven by the log.
type Tablet interface {
	Get(ctx context.Context, key []byte) (map[string]any, bool, error)
	Scan(ctx context.Context, prefix []byte, limit int) ([]map[string]any, error)
	Check(ctx context.Context, batch docdb.Batch) error
	Apply(ctx context.Context, batch docdb.Batch) ([]int, error)
	Prepare(ctx context.Context, txnID uuid.UUID, batch docdb.Batch) error
	Commit(ctx context.Context, txnID uuid.UUID) ([]int, error)
	Abort(ctx context.Context, txnID uuid.UUID) error
}

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node replicates the writes of a tablet group. Every peer of the group
// hosts the same tablets; a write is proposed to the log and applied to the
// local tablet by every peer once committed. Reads are served locally.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	tablets      map[types.TabletID]Tablet
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

func NewNode(config *config.RaftConfig, tablets map[types.TabletID]Tablet) (*Node, error) {
	storage := raft.NewMemoryStorage()
	b, err := newBootstrap(config, storage)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           config.ID,
		Peers:        b.addrs,
		conf:         &b.confState,
		underlying:   raft.StartNode(b.raft, b.peers),
		tablets:      tablets,
		jr:           storage,
		tickInterval: 100 * time.Millisecond,
		transport:    NewTransport(b.addrs),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "index", entry.Index, "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		// адрес нового пира лежит в Context
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

// applyEntry drives the tablet with a committed command. Errors of the
// tablet itself (duplicate key, write conflict) are the command's result,
// every peer reaches the same one; only a broken entry stops the loop.
func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(entry.Data))
	dec.UseNumber()

	var cmd Cmd
	if err := dec.Decode(&cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}
	if err := cmd.normalize(); err != nil {
		return fmt.Errorf("normalize command %s: %w", cmd.ID, err)
	}

	t, ok := n.tablets[cmd.Tablet]
	if !ok {
		return n.notifyProposalResult(cmd.ID, proposeResult{Err: fmt.Errorf("tablet %s is not in this group", cmd.Tablet)})
	}

	ctx := context.Background()
	var res proposeResult
	switch cmd.Op {
	case OpApply:
		res.Affected, res.Err = t.Apply(ctx, cmd.Batch)
	case OpPrepare:
		res.Err = t.Prepare(ctx, cmd.TxnID, cmd.Batch)
	case OpCommit:
		res.Affected, res.Err = t.Commit(ctx, cmd.TxnID)
	case OpAbort:
		res.Err = t.Abort(ctx, cmd.TxnID)
	default:
		res.Err = fmt.Errorf("unknown command operation: %v", cmd.Op)
	}

	if res.Err != nil {
		slog.Debug("replicated command failed", "cmd_id", cmd.ID, "op", cmd.Op, "tablet", cmd.Tablet, "error", res.Err)
	}
	return n.notifyProposalResult(cmd.ID, res)
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderAddr() string {
	leaderID := n.underlying.Status().Lead
	return n.Peers[leaderID]
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

type proposeResult struct {
	Affected []int
	Err      error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) error {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// - follower применяет запись (у него не было proposals[cmdID])
		// - Execute уже завершился (timeout/cancel), defer удалил proposals[cmdID]
		slog.Debug("proposal result channel not found (ignored)", "cmd_id", cmdID, "is_leader", n.IsLeader())
		return nil
	}

	// не блокируем apply, если вдруг слушатель уже ушёл
	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
	return nil
}

// Execute proposes the command and waits until this peer applies it.
// Followers forward the proposal to the leader.
func (n *Node) Execute(ctx context.Context, cmd Cmd) ([]int, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return nil, fmt.Errorf("propose: %w", err)
	}

	select {
	case result, ok := <-resultChan:
		if !ok {
			return nil, ErrStopped
		}
		return result.Affected, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	select {
	case <-n.ctx.Done():
		return nil
	default:
	}

	slog.Info("stopping raft node", "id", n.ID)

	n.underlying.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for id, resultChan := range n.proposals {
		select {
		case resultChan <- proposeResult{Err: ErrStopped}:
		default:
		}
		delete(n.proposals, id)
	}
	n.proposalsMu.Unlock()

	slog.Info("raft node stopped", "id", n.ID)
	return nil
}

// Tablet returns the replicated view of a tablet of the group.
func (n *Node) Tablet(id types.TabletID) (*ReplicatedTablet, error) {
	t, ok := n.tablets[id]
	if !ok {
		return nil, fmt.Errorf("tablet %s is not in this group", id)
	}
	return &ReplicatedTablet{id: id, node: n, local: t}, nil
}

// ReplicatedTablet sends writes through the log and reads the local replica.
type ReplicatedTablet struct {
	id    types.TabletID
	node  *Node
	local Tablet
}

func (t *ReplicatedTablet) Get(ctx context.Context, key []byte) (map[string]any, bool, error) {
	return t.local.Get(ctx, key)
}

func (t *ReplicatedTablet) Scan(ctx context.Context, prefix []byte, limit int) ([]map[string]any, error) {
	return t.local.Scan(ctx, prefix, limit)
}

func (t *ReplicatedTablet) Check(ctx context.Context, batch docdb.Batch) error {
	return t.local.Check(ctx, batch)
}

func (t *ReplicatedTablet) Apply(ctx context.Context, batch docdb.Batch) ([]int, error) {
	return t.node.Execute(ctx, NewCmd(OpApply, t.id, uuid.Nil, batch))
}

func (t *ReplicatedTablet) Prepare(ctx context.Context, txnID uuid.UUID, batch docdb.Batch) error {
	_, err := t.node.Execute(ctx, NewCmd(OpPrepare, t.id, txnID, batch))
	return err
}

func (t *ReplicatedTablet) Commit(ctx context.Context, txnID uuid.UUID) ([]int, error) {
	return t.node.Execute(ctx, NewCmd(OpCommit, t.id, txnID, docdb.Batch{}))
}

func (t *ReplicatedTablet) Abort(ctx context.Context, txnID uuid.UUID) error {
	_, err := t.node.Execute(ctx, NewCmd(OpAbort, t.id, txnID, docdb.Batch{}))
	return err
}
