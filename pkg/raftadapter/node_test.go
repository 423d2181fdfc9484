package raftadapter

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"docgate/pkg/config"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

// mockTransport реализует iTransport и собирает вызовы
type mockTransport struct {
	mu       sync.Mutex
	addCalls []struct {
		id   uint64
		addr string
	}
	removeCalls []uint64
	updateCalls []struct {
		id   uint64
		addr string
	}
	sentMsgs []raftpb.Message
}

func (m *mockTransport) Send(msg raftpb.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMsgs = append(m.sentMsgs, msg)
	return nil
}

func (m *mockTransport) AddPeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls = append(m.addCalls, struct {
		id   uint64
		addr string
	}{id: id, addr: addr})
}

func (m *mockTransport) RemovePeer(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, id)
}

func (m *mockTransport) UpdatePeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, struct {
		id   uint64
		addr string
	}{id: id, addr: addr})
}

func TestNode_UpdateTransport(t *testing.T) {
	cfg := &config.RaftConfig{
		ID:                        1,
		ElectionTick:              10,
		HeartbeatTick:             2,
		MaxSizePerMsg:             1024,
		MaxCommittedSizePerReady:  4096,
		MaxUncommittedEntriesSize: 8192,
		MaxInflightMsgs:           256,
		CheckQuorum:               true,
		PreVote:                   false,
		Peers:                     []config.RaftPeer{{ID: 1, Address: "http://127.0.0.1:8080"}},
	}

	n, err := NewNode(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}

	// Заменим транспорт на мок
	mt := &mockTransport{}
	n.transport = mt

	// Добавим новый пир (id=2)
	ccAdd := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("http://127.0.0.1:8081")}
	n.updateTransport(ccAdd)

	// Проверяем, что транспорт получил вызов AddPeer и что пир добавлен в карту
	if len(mt.addCalls) != 1 {
		t.Fatalf("expected 1 add call, got %d", len(mt.addCalls))
	}
	if mt.addCalls[0].id != 2 || mt.addCalls[0].addr != "http://127.0.0.1:8081" {
		t.Fatalf("unexpected add call data: %#v", mt.addCalls[0])
	}
	if addr, ok := n.Peers[2]; !ok || addr != "http://127.0.0.1:8081" {
		t.Fatalf("peer not added to node.Peers or wrong addr: %v, ok=%v", addr, ok)
	}

	// Обновим адрес пира (id=2)
	ccUpdate := raftpb.ConfChange{Type: raftpb.ConfChangeUpdateNode, NodeID: 2, Context: []byte("http://127.0.0.1:9000")}
	n.updateTransport(ccUpdate)

	if len(mt.updateCalls) != 1 {
		t.Fatalf("expected 1 update call, got %d", len(mt.updateCalls))
	}
	if mt.updateCalls[0].id != 2 || mt.updateCalls[0].addr != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected update call data: %#v", mt.updateCalls[0])
	}
	if addr, ok := n.Peers[2]; !ok || addr != "http://127.0.0.1:9000" {
		t.Fatalf("peer not updated in node.Peers or wrong addr: %v, ok=%v", addr, ok)
	}

	// Удалим пир (id=2)
	ccRemove := raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 2}
	n.updateTransport(ccRemove)

	if len(mt.removeCalls) != 1 {
		t.Fatalf("expected 1 remove call, got %d", len(mt.removeCalls))
	}
	if mt.removeCalls[0] != 2 {
		t.Fatalf("unexpected remove call id: %d", mt.removeCalls[0])
	}
	if _, ok := n.Peers[2]; ok {
		t.Fatalf("peer still present after removal")
	}
}

func TestCmd_Validate(t *testing.T) {
	batch := docdb.Batch{Mutations: []docdb.Mutation{{Key: []byte("k"), Type: docdb.StmtDelete}}}
	txn := uuid.New()

	tests := []struct {
		name    string
		cmd     Cmd
		wantErr bool
	}{
		{"apply", NewCmd(OpApply, "g1-t0", uuid.Nil, batch), false},
		{"apply empty batch", NewCmd(OpApply, "g1-t0", uuid.Nil, docdb.Batch{}), true},
		{"prepare", NewCmd(OpPrepare, "g1-t0", txn, batch), false},
		{"prepare without txn", NewCmd(OpPrepare, "g1-t0", uuid.Nil, batch), true},
		{"commit", NewCmd(OpCommit, "g1-t0", txn, docdb.Batch{}), false},
		{"abort without txn", NewCmd(OpAbort, "g1-t0", uuid.Nil, docdb.Batch{}), true},
		{"no tablet", NewCmd(OpApply, "", uuid.Nil, batch), true},
		{"unknown op", NewCmd(Operation("merge"), "g1-t0", uuid.Nil, batch), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNode_TabletUnknown(t *testing.T) {
	cfg := &config.RaftConfig{
		ID:              1,
		ElectionTick:    10,
		HeartbeatTick:   2,
		MaxSizePerMsg:   1024,
		MaxInflightMsgs: 256,
		Peers:           []config.RaftPeer{{ID: 1, Address: "http://127.0.0.1:8080"}},
	}

	n, err := NewNode(cfg, map[types.TabletID]Tablet{})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	defer n.Stop()

	if _, err := n.Tablet("g1-t0"); err == nil {
		t.Fatalf("expected error for a tablet outside the group")
	}
}

func TestNewBootstrap_Membership(t *testing.T) {
	peers := []config.RaftPeer{{ID: 1, Address: "n1"}, {ID: 2, Address: "n2"}}

	b, err := newBootstrap(&config.RaftConfig{ID: 2, Peers: peers}, raft.NewMemoryStorage())
	if err != nil {
		t.Fatalf("newBootstrap: %v", err)
	}
	if len(b.peers) != 2 || len(b.confState.Voters) != 2 || b.addrs[2] != "n2" {
		t.Fatalf("unexpected bootstrap: %+v", b)
	}
	if b.raft.Logger == nil || b.raft.Storage == nil {
		t.Fatalf("raft config misses logger or storage")
	}

	// нода вне группы
	if _, err := newBootstrap(&config.RaftConfig{ID: 3, Peers: peers}, raft.NewMemoryStorage()); err == nil {
		t.Fatalf("expected error for a node outside the group")
	}

	// дубликат ID
	dup := append(peers, config.RaftPeer{ID: 1, Address: "n1b"})
	if _, err := newBootstrap(&config.RaftConfig{ID: 1, Peers: dup}, raft.NewMemoryStorage()); err == nil {
		t.Fatalf("expected error for a duplicate peer ID")
	}
}
