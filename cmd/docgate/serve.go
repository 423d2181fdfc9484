package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	apihttp "docgate/internal/http"
	"docgate/pkg/catalog"
	"docgate/pkg/cluster"
	"docgate/pkg/compression"
	"docgate/pkg/config"
	"docgate/pkg/memtable"
	"docgate/pkg/metrics"
	"docgate/pkg/raftadapter"
	"docgate/pkg/tablet"
	"docgate/pkg/txn"
	"docgate/pkg/types"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tablet server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			initLogger(&cfg)
			return serve(cmd.Context(), cfg)
		},
	}
}

func openCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	cat, err := catalog.New(cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}
	if cfg.SchemaPath == "" {
		return cat, nil
	}

	if err := cat.LoadFile(cfg.SchemaPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("schema file not found, starting with an empty catalog", "path", cfg.SchemaPath)
			return cat, nil
		}
		cat.Close()
		return nil, err
	}
	slog.Info("catalog loaded", "path", cfg.SchemaPath, "tables", len(cat.Tables()))
	return cat, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	cat, err := openCatalog(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer cat.Close()

	nodeID := types.NodeID(cfg.Node.ID)

	// пиры raft-группы держат одинаковые таблеты, поэтому имена от группы
	owner := nodeID
	if cfg.Raft.Enabled {
		owner = types.NodeID(cfg.Raft.Group)
	}
	ids := cluster.LocalTabletIDs(owner, cfg.Tablet.NumTablets)

	codec, err := compression.Parse(cfg.Tablet.WALCompression)
	if err != nil {
		return err
	}

	opened := make(map[types.TabletID]*tablet.Tablet, len(ids))
	defer func() {
		for id, t := range opened {
			if err := t.Close(); err != nil {
				slog.Warn("failed to close tablet", "tablet", id, "error", err)
			}
		}
	}()
	for _, id := range ids {
		t, err := tablet.Open(ctx, tablet.Options{
			ID:      id,
			DataDir: cfg.Tablet.DataDir,
			Memtable: memtable.Config{
				FlushThresholdBytes: cfg.Tablet.FlushThresholdBytes,
				MaxImmTables:        cfg.Tablet.MaxImmTables,
			},
			WALCompression: codec,
		})
		if err != nil {
			return fmt.Errorf("open tablet %s: %w", id, err)
		}
		opened[id] = t
	}

	routed := make(map[types.TabletID]cluster.Tablet, len(opened))
	var raftNode *raftadapter.Node
	if cfg.Raft.Enabled {
		group := make(map[types.TabletID]raftadapter.Tablet, len(opened))
		for id, t := range opened {
			group[id] = t
		}
		raftNode, err = raftadapter.NewNode(&cfg.Raft, group)
		if err != nil {
			return fmt.Errorf("raft: %w", err)
		}
		defer raftNode.Stop()

		go func() {
			if err := raftNode.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("raft node error", "error", err)
			}
		}()

		for id := range opened {
			rt, err := raftNode.Tablet(id)
			if err != nil {
				return err
			}
			routed[id] = rt
		}
	} else {
		for id, t := range opened {
			routed[id] = t
		}
	}

	router := cluster.NewRouter(nodeID, routed, cluster.NewHTTPClientFactory())
	self := cluster.NodeInfo{ID: nodeID, Addr: cfg.Node.Addr, Tablets: ids}

	if len(cfg.Cluster.ZKServers) > 0 {
		membership, err := cluster.NewZKMembership(cfg.Cluster.ZKServers, cfg.Cluster.RootPath, self)
		if err != nil {
			return err
		}
		defer membership.Close()

		if err := membership.RegisterSelf(ctx); err != nil {
			return fmt.Errorf("register in zookeeper: %w", err)
		}
		topo, err := membership.BuildTopology(cfg.Cluster.RingReplicas)
		if err != nil {
			return fmt.Errorf("build topology: %w", err)
		}
		router.UpdateTopology(topo)

		// watcher обновляет топологию при изменении состава нод в ZK
		membership.RunWatch(ctx, router, cfg.Cluster.RingReplicas)
	} else {
		topo, err := cluster.NewTopology(cfg.Cluster.RingReplicas, self)
		if err != nil {
			return err
		}
		router.UpdateTopology(topo)
	}

	coord := txn.NewCoordinator(router, cfg.Txn.Timeout)

	registry := metrics.NewRegistry()
	registry.SetGauge("docgate_local_tablets", nil, float64(len(ids)))

	deps := apihttp.Deps{Catalog: cat, Router: router, Txns: coord, Metrics: registry}
	if raftNode != nil {
		deps.Raft = raftNode
	}

	server := apihttp.NewServer(deps, cfg.Server.Port, cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("docgate started", "tablets", len(ids), "raft", cfg.Raft.Enabled, "zookeeper", len(cfg.Cluster.ZKServers) > 0)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	slog.Info("docgate stopped")
	return nil
}
