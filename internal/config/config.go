// Package config loads and validates the indexer configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chainscope/indexer-go/internal/constants"
)

// Config holds all configuration for the indexing pipeline.
type Config struct {
	Network   string          `yaml:"network"`
	Node      NodeConfig      `yaml:"node"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Stream    StreamConfig    `yaml:"stream"`
	Columnar  ColumnarConfig  `yaml:"columnar"`
	Graph     GraphConfig     `yaml:"graph"`
	Consumers ConsumersConfig `yaml:"consumers"`
	Ops       OpsConfig       `yaml:"ops"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig holds chain node access configuration.
type NodeConfig struct {
	// RPCEndpoint is the node JSON-RPC endpoint (http(s):// or ws(s)://).
	RPCEndpoint string `yaml:"rpc_endpoint"`
	// SidecarEndpoint is the base URL of the API sidecar serving decoded blocks.
	SidecarEndpoint string `yaml:"sidecar_endpoint"`
	// Timeout is the per-request deadline for node and sidecar calls.
	Timeout time.Duration `yaml:"timeout"`
	// RequestsPerSecond caps the combined request rate against the node.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// RequestBurst is the rate limiter burst size.
	RequestBurst int `yaml:"request_burst"`
}

// FetchConfig tunes block ingestion from the chain.
type FetchConfig struct {
	// ChunkSize is the number of blocks per upstream request.
	ChunkSize int `yaml:"chunk_size"`
	// Workers is the number of concurrent upstream fetches.
	Workers int `yaml:"workers"`
	// MaxRetries bounds retry attempts for a failing ingest batch.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the base delay between retry attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// StreamConfig holds the canonical block stream store configuration.
type StreamConfig struct {
	// Path is the pebble database directory.
	Path string `yaml:"path"`
	// PartitionSize is the height partition width.
	PartitionSize uint32 `yaml:"partition_size"`
}

// ColumnarConfig holds the analytical (Postgres) store configuration.
type ColumnarConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// MaxOpenConns caps the connection pool size.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// GraphConfig holds the money-flow graph store configuration.
type GraphConfig struct {
	// Path is the pebble database directory for the graph.
	Path string `yaml:"path"`
}

// ConsumerConfig tunes one consumer.
type ConsumerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BatchSize         int    `yaml:"batch_size"`
	MilestoneInterval uint32 `yaml:"milestone_interval"`
}

// ConsumersConfig tunes all consumers.
type ConsumersConfig struct {
	Stream    ConsumerConfig `yaml:"stream"`
	Transfers ConsumerConfig `yaml:"transfers"`
	Series    ConsumerConfig `yaml:"series"`
	MoneyFlow ConsumerConfig `yaml:"money_flow"`
	Assets    ConsumerConfig `yaml:"assets"`

	// PollInterval is the sleep applied when a consumer is caught up to tip.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PeriodHours is the balance series period length.
	PeriodHours int `yaml:"period_hours"`
	// AnalyticsEveryBlocks is the money-flow analytics cadence, counted in
	// blocks processed by the money-flow consumer.
	AnalyticsEveryBlocks uint32 `yaml:"analytics_every_blocks"`
}

// OpsConfig holds the operational HTTP server configuration.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Network: string(constants.NetworkTorus),
		Node: NodeConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 50,
			RequestBurst:      100,
		},
		Fetch: FetchConfig{
			ChunkSize:  10,
			Workers:    4,
			MaxRetries: 5,
			RetryDelay: 2 * time.Second,
		},
		Stream: StreamConfig{
			Path:          "./data/stream",
			PartitionSize: constants.DefaultPartitionSize,
		},
		Columnar: ColumnarConfig{
			MaxOpenConns: 16,
		},
		Graph: GraphConfig{
			Path: "./data/graph",
		},
		Consumers: ConsumersConfig{
			Stream:    ConsumerConfig{Enabled: true, BatchSize: constants.DefaultStreamBatchSize, MilestoneInterval: constants.DefaultStreamMilestone},
			Transfers: ConsumerConfig{Enabled: true, BatchSize: constants.DefaultTransfersBatchSize, MilestoneInterval: constants.DefaultTransfersMilestone},
			Series:    ConsumerConfig{Enabled: true, BatchSize: constants.DefaultSeriesBatchSize, MilestoneInterval: constants.DefaultSeriesMilestone},
			MoneyFlow: ConsumerConfig{Enabled: true, BatchSize: constants.DefaultMoneyFlowBatchSize, MilestoneInterval: constants.DefaultMoneyFlowMilestone},
			Assets:    ConsumerConfig{Enabled: true, BatchSize: constants.DefaultAssetsBatchSize, MilestoneInterval: constants.DefaultAssetsMilestone},

			PollInterval:         3 * time.Second,
			PeriodHours:          constants.DefaultPeriodHours,
			AnalyticsEveryBlocks: constants.DefaultAnalyticsEveryBlocks,
		},
		Ops: OpsConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    9090,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults for
// absent fields, and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies INDEXER_* environment variables over the loaded
// configuration. Connection strings in particular are expected to arrive via
// environment in deployments.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("INDEXER_NETWORK"); v != "" {
		c.Network = v
	}
	if v := os.Getenv("INDEXER_NODE_RPC"); v != "" {
		c.Node.RPCEndpoint = v
	}
	if v := os.Getenv("INDEXER_NODE_SIDECAR"); v != "" {
		c.Node.SidecarEndpoint = v
	}
	if v := os.Getenv("INDEXER_STREAM_PATH"); v != "" {
		c.Stream.Path = v
	}
	if v := os.Getenv("INDEXER_GRAPH_PATH"); v != "" {
		c.Graph.Path = v
	}
	if v := os.Getenv("INDEXER_COLUMNAR_DSN"); v != "" {
		c.Columnar.DSN = v
	}
	if v := os.Getenv("INDEXER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("INDEXER_PERIOD_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Consumers.PeriodHours = n
		}
	}
}

// Validate checks the configuration for missing or invalid values.
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network is required")
	}
	if _, ok := constants.Params(constants.Network(c.Network)); !ok {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.Node.RPCEndpoint == "" {
		return fmt.Errorf("node.rpc_endpoint is required")
	}
	if c.Node.SidecarEndpoint == "" {
		return fmt.Errorf("node.sidecar_endpoint is required")
	}
	if c.Node.Timeout <= 0 {
		return fmt.Errorf("node.timeout must be positive")
	}
	if c.Fetch.ChunkSize <= 0 || c.Fetch.Workers <= 0 {
		return fmt.Errorf("fetch.chunk_size and fetch.workers must be positive")
	}
	if c.Fetch.MaxRetries <= 0 || c.Fetch.RetryDelay <= 0 {
		return fmt.Errorf("fetch.max_retries and fetch.retry_delay must be positive")
	}
	if c.Stream.Path == "" {
		return fmt.Errorf("stream.path is required")
	}
	if c.Stream.PartitionSize == 0 {
		return fmt.Errorf("stream.partition_size must be positive")
	}
	if c.Graph.Path == "" {
		return fmt.Errorf("graph.path is required")
	}
	if c.Columnar.DSN == "" {
		return fmt.Errorf("columnar.dsn is required")
	}
	if c.Consumers.PeriodHours <= 0 {
		return fmt.Errorf("consumers.period_hours must be positive")
	}
	if c.Consumers.PollInterval <= 0 {
		return fmt.Errorf("consumers.poll_interval must be positive")
	}
	for name, cc := range map[string]ConsumerConfig{
		"stream":     c.Consumers.Stream,
		"transfers":  c.Consumers.Transfers,
		"series":     c.Consumers.Series,
		"money_flow": c.Consumers.MoneyFlow,
		"assets":     c.Consumers.Assets,
	} {
		if cc.Enabled && cc.BatchSize <= 0 {
			return fmt.Errorf("consumers.%s.batch_size must be positive", name)
		}
	}
	if c.Ops.Enabled && (c.Ops.Port < 1 || c.Ops.Port > 65535) {
		return fmt.Errorf("ops.port must be in [1, 65535]")
	}
	return nil
}
