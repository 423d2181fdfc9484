package cluster

import (
	"fmt"
	"sort"

	"docgate/pkg/types"
)

// NodeInfo describes a tablet server as it registers itself.
type NodeInfo struct {
	ID      types.NodeID     `json:"id"`
	Addr    string           `json:"addr"`
	Tablets []types.TabletID `json:"tablets"`
}

// Topology is an immutable view of the cluster: the ring over all tablets
// and the node hosting each of them.
type Topology struct {
	ring      *HashRing
	placement map[types.TabletID]NodeInfo
	nodes     []NodeInfo
}

func NewTopology(replicas int, nodes ...NodeInfo) (*Topology, error) {
	placement := make(map[types.TabletID]NodeInfo)
	var tablets []types.TabletID

	for _, n := range nodes {
		for _, t := range n.Tablets {
			if prev, ok := placement[t]; ok {
				return nil, fmt.Errorf("tablet %s is hosted by both %s and %s", t, prev.ID, n.ID)
			}
			placement[t] = n
			tablets = append(tablets, t)
		}
	}

	sorted := append([]NodeInfo(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return &Topology{
		ring:      NewHashRing(replicas, tablets...),
		placement: placement,
		nodes:     sorted,
	}, nil
}

// Owner maps a doc key to its tablet.
func (t *Topology) Owner(key []byte) (types.TabletID, error) {
	tablet, ok := t.ring.Owner(key)
	if !ok {
		return "", ErrNoTablets
	}
	return tablet, nil
}

// Host returns the node hosting the tablet.
func (t *Topology) Host(tablet types.TabletID) (NodeInfo, bool) {
	n, ok := t.placement[tablet]
	return n, ok
}

func (t *Topology) Nodes() []NodeInfo {
	return t.nodes
}

func (t *Topology) Tablets() []types.TabletID {
	return t.ring.Tablets()
}

// LocalTabletIDs names the tablets of a node: <node>-t0 .. <node>-t{n-1}.
func LocalTabletIDs(node types.NodeID, n int) []types.TabletID {
	out := make([]types.TabletID, n)
	for i := range out {
		out[i] = types.TabletID(fmt.Sprintf("%s-t%d", node, i))
	}
	return out
}
