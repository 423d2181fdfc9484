package raftadapter

import (
	"fmt"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"docgate/pkg/config"
)

// bootstrap is what a peer needs to start its raft node.
type bootstrap struct {
	raft      *raft.Config
	addrs     map[uint64]string
	peers     []raft.Peer
	confState raftpb.ConfState
}

// newBootstrap validates the group membership and builds the raft config
// backed by storage. The node itself must be one of the voters.
func newBootstrap(c *config.RaftConfig, storage raft.Storage) (*bootstrap, error) {
	b := &bootstrap{
		raft: &raft.Config{
			ID:                        c.ID,
			ElectionTick:              c.ElectionTick,
			HeartbeatTick:             c.HeartbeatTick,
			Storage:                   storage,
			MaxSizePerMsg:             c.MaxSizePerMsg,
			MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
			MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
			MaxInflightMsgs:           c.MaxInflightMsgs,
			CheckQuorum:               c.CheckQuorum,
			PreVote:                   c.PreVote,
			Logger:                    newRaftLogger(),
		},
		addrs: make(map[uint64]string, len(c.Peers)),
		peers: make([]raft.Peer, 0, len(c.Peers)),
	}

	for _, p := range c.Peers {
		if _, ok := b.addrs[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		b.addrs[p.ID] = p.Address
		b.confState.Voters = append(b.confState.Voters, p.ID)
		b.peers = append(b.peers, raft.Peer{ID: p.ID, Context: []byte(p.Address)})
	}
	if _, ok := b.addrs[c.ID]; !ok && len(c.Peers) > 0 {
		return nil, fmt.Errorf("node %d is not a member of the group", c.ID)
	}
	return b, nil
}
