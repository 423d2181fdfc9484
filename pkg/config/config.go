package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"docgate/pkg/compression"
)

// Config - корневая структура конфигурации узла
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Catalog CatalogConfig `yaml:"catalog"`
	Tablet  TabletConfig  `yaml:"tablet"`
	Txn     TxnConfig     `yaml:"txn"`
	Raft    RaftConfig    `yaml:"raft"`
	Cluster ClusterConfig `yaml:"cluster"`
}

type NodeConfig struct {
	ID string `yaml:"id"`
	// адрес, по которому другие узлы достают этот узел, например http://node1:8080
	Addr string `yaml:"addr"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type CatalogConfig struct {
	SchemaPath    string `yaml:"schema_path"`
	CacheCapacity int64  `yaml:"cache_capacity"`
}

type TabletConfig struct {
	DataDir             string `yaml:"data_dir"`
	NumTablets          int    `yaml:"num_tablets"`
	FlushThresholdBytes int    `yaml:"flush_threshold"`
	MaxImmTables        int    `yaml:"max_imm_tables"`
	// none, zstd или gzip
	WALCompression      string `yaml:"wal_compression"`
}

type TxnConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type RaftConfig struct {
	Enabled bool   `yaml:"enabled"`
	ID      uint64 `yaml:"id"`
	// все пиры группы держат одни и те же таблеты <group>-t0..
	Group   string `yaml:"group"`

	ElectionTick              int    `yaml:"election_tick"`
	HeartbeatTick             int    `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64 `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64 `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64 `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int    `yaml:"max_inflight_msgs"`
	CheckQuorum               bool   `yaml:"check_quorum"`
	PreVote                   bool   `yaml:"pre_vote"`

	Peers []RaftPeer `yaml:"peers"`
}

type RaftPeer struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type ClusterConfig struct {
	ZKServers    []string `yaml:"zk_servers"`
	RootPath     string   `yaml:"root_path"`
	RingReplicas int      `yaml:"ring_replicas"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Node: NodeConfig{ID: "node1", Addr: "http://localhost:8080"},
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Catalog: CatalogConfig{
			SchemaPath:    "./schema.yaml",
			CacheCapacity: 1024,
		},
		Tablet: TabletConfig{
			DataDir:             "./data",
			NumTablets:          4,
			FlushThresholdBytes: 4 << 20,
			MaxImmTables:        3,
			WALCompression:      "zstd",
		},
		Txn: TxnConfig{Timeout: 10 * time.Second},
		Raft: RaftConfig{
			Group:           "g1",
			ElectionTick:    10,
			HeartbeatTick:   1,
			MaxSizePerMsg:   1 << 20,
			MaxInflightMsgs: 256,
			CheckQuorum:     true,
			PreVote:         true,
		},
		Cluster: ClusterConfig{
			RootPath:     "/docgate",
			RingReplicas: 100,
		},
	}
}

// Load reads a YAML config on top of Default. A missing file is not an
// error, the defaults are returned.
func Load(path string) (Config, bool, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, false, err
	}
	return cfg, true, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("config: http-server.port %d out of range", c.Server.Port)
	case c.Tablet.NumTablets < 1:
		return fmt.Errorf("config: tablet.num_tablets must be positive")
	case c.Node.ID == "":
		return fmt.Errorf("config: node.id is required")
	case c.Tablet.DataDir == "":
		return fmt.Errorf("config: tablet.data_dir is required")
	case c.Raft.Enabled && c.Raft.ID == 0:
		return fmt.Errorf("config: raft.id is required when raft is enabled")
	case c.Raft.Enabled && len(c.Raft.Peers) == 0:
		return fmt.Errorf("config: raft.peers is required when raft is enabled")
	case c.Raft.Enabled && len(c.Cluster.ZKServers) > 0:
		return fmt.Errorf("config: raft replication and zookeeper membership are mutually exclusive")
	}
	if _, err := compression.Parse(c.Tablet.WALCompression); err != nil {
		return fmt.Errorf("config: tablet.wal_compression: %w", err)
	}
	return nil
}
