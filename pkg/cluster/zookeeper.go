package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	zkSessionTimeout = 5 * time.Second
	zkRetryDelay     = 2 * time.Second
)

// ZKMembership registers this node with its tablets in ZooKeeper and keeps
// the router topology in sync with the live nodes.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	local    NodeInfo
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, local NodeInfo) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, zkSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		local:    local,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + "/nodes"
}

func (m *ZKMembership) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел с описанием ноды и её таблетов
func (m *ZKMembership) RegisterSelf(ctx context.Context) error {
	// ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(ctx, 10*time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	data, err := json.Marshal(m.local)
	if err != nil {
		return fmt.Errorf("marshal node info: %w", err)
	}

	nodePath := m.nodesPath() + "/" + url.PathEscape(string(m.local.ID))
	_, err = m.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		// leftover of our previous session
		_, err = m.conn.Set(nodePath, data, -1)
	}
	if err != nil {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered in zookeeper", "path", nodePath, "tablets", len(m.local.Tablets))
	return nil
}

func (m *ZKMembership) readNodes(children []string) ([]NodeInfo, error) {
	nodes := make([]NodeInfo, 0, len(children))
	for _, child := range children {
		data, _, err := m.conn.Get(m.nodesPath() + "/" + child)
		if errors.Is(err, zk.ErrNoNode) {
			continue // ушла между Children и Get
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}

		var info NodeInfo
		if err := json.Unmarshal(data, &info); err != nil {
			slog.Warn("skipping malformed node entry", "node", child, "error", err)
			continue
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}

// BuildTopology строит топологию по текущему списку живых нод
func (m *ZKMembership) BuildTopology(replicas int) (*Topology, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	nodes, err := m.readNodes(children)
	if err != nil {
		return nil, err
	}
	return NewTopology(replicas, nodes...)
}

// RunWatch следит за изменениями /nodes и обновляет топологию роутера
func (m *ZKMembership) RunWatch(ctx context.Context, r *Router, replicas int) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				slog.Warn("zk watch failed", "error", err)
				if !sleepCtx(ctx, zkRetryDelay) {
					return
				}
				continue
			}

			nodes, err := m.readNodes(children)
			if err == nil {
				var topo *Topology
				if topo, err = NewTopology(replicas, nodes...); err == nil {
					r.UpdateTopology(topo)
				}
			}
			if err != nil {
				slog.Error("failed to rebuild topology", "error", err)
			}

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		if !sleepCtx(ctx, 200*time.Millisecond) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
