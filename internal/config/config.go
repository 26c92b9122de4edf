// Package config provides a reusable loader for the indexer's configuration
// file and environment variable overrides, resolved once at startup into an
// immutable value passed by reference to every component instead of read
// from global mutable settings.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/archnetwork/arch-indexer/internal/model"
)

// Config is the unified, immutable configuration for one indexer process.
type Config struct {
	ArchNode struct {
		URL          string `mapstructure:"url" json:"url"`
		WebsocketURL string `mapstructure:"websocket_url" json:"websocket_url"`
	} `mapstructure:"arch_node" json:"arch_node"`

	Indexer struct {
		BulkBatchSize     int  `mapstructure:"bulk_batch_size" json:"bulk_batch_size"`
		ConcurrentBatches int  `mapstructure:"concurrent_batches" json:"concurrent_batches"`
		EnableRealtime    bool `mapstructure:"enable_realtime" json:"enable_realtime"`
	} `mapstructure:"indexer" json:"indexer"`

	Arch struct {
		MaxConcurrency    int     `mapstructure:"max_concurrency" json:"max_concurrency"`
		FetchWindowSize   int     `mapstructure:"fetch_window_size" json:"fetch_window_size"`
		InitialBackoffMS  int     `mapstructure:"initial_backoff_ms" json:"initial_backoff_ms"`
		MaxBackoffMS      int     `mapstructure:"max_backoff_ms" json:"max_backoff_ms"`
		MaxRetries        int     `mapstructure:"max_retries" json:"max_retries"`
		RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
		RequestBurst      int     `mapstructure:"request_burst" json:"request_burst"`
	} `mapstructure:"arch" json:"arch"`

	Websocket struct {
		ReconnectIntervalSeconds int `mapstructure:"reconnect_interval_seconds" json:"reconnect_interval_seconds"`
		MaxReconnectAttempts     int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	} `mapstructure:"websocket" json:"websocket"`

	Checkpoint struct {
		Backend string `mapstructure:"backend" json:"backend"`
		Path    string `mapstructure:"path" json:"path"`
	} `mapstructure:"checkpoint" json:"checkpoint"`

	UseCopyBulk bool `mapstructure:"use_copy_bulk" json:"use_copy_bulk"`

	Database struct {
		WriteDSN      string `mapstructure:"write_dsn" json:"write_dsn"`
		ReadDSN       string `mapstructure:"read_dsn" json:"read_dsn"`
		MaxWriteConns int    `mapstructure:"max_write_conns" json:"max_write_conns"`
		MaxReadConns  int    `mapstructure:"max_read_conns" json:"max_read_conns"`
	} `mapstructure:"database" json:"database"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	RPCPoolSize              int    `mapstructure:"rpc_pool_size" json:"rpc_pool_size"`
	ReconcileIntervalSeconds int    `mapstructure:"reconcile_interval_seconds" json:"reconcile_interval_seconds"`
	HealChunkSize            int    `mapstructure:"heal_chunk_size" json:"heal_chunk_size"`
	BulkThreshold            int    `mapstructure:"bulk_threshold" json:"bulk_threshold"`
	MetricsAddr              string `mapstructure:"metrics_addr" json:"metrics_addr"`
	ResetDB                  bool   `mapstructure:"reset_db" json:"reset_db"`
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register these keys with viper so AutomaticEnv
	// overrides (e.g. ARCH_NODE_URL) reach Unmarshal.
	v.SetDefault("arch_node.url", "")
	v.SetDefault("arch_node.websocket_url", "")
	v.SetDefault("database.write_dsn", "")
	v.SetDefault("database.read_dsn", "")
	v.SetDefault("logging.file", "")

	v.SetDefault("indexer.bulk_batch_size", 5000)
	v.SetDefault("indexer.concurrent_batches", 5)
	v.SetDefault("indexer.enable_realtime", true)

	v.SetDefault("arch.max_concurrency", 192)
	v.SetDefault("arch.fetch_window_size", 16384)
	v.SetDefault("arch.initial_backoff_ms", 10)
	v.SetDefault("arch.max_backoff_ms", 5000)
	v.SetDefault("arch.max_retries", 5)
	v.SetDefault("arch.requests_per_second", 0)
	v.SetDefault("arch.request_burst", 0)

	v.SetDefault("websocket.reconnect_interval_seconds", 5)
	v.SetDefault("websocket.max_reconnect_attempts", 0)

	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.path", "checkpoint.wal")

	v.SetDefault("use_copy_bulk", true)

	v.SetDefault("database.max_write_conns", 10)
	v.SetDefault("database.max_read_conns", 20)

	v.SetDefault("logging.level", "info")

	v.SetDefault("rpc_pool_size", 192)
	v.SetDefault("reconcile_interval_seconds", 1)
	v.SetDefault("heal_chunk_size", 1000)
	v.SetDefault("bulk_threshold", 50)
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("reset_db", false)
}

// Load reads an optional YAML config file (name "indexer", paths "." and
// "./config"), layers in a ".env" file if present, then environment
// variable overrides, and unmarshals the result. Missing config files are
// not an error; code-level defaults and env vars still apply.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("indexer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, model.Wrap(model.ErrConfigStartup, "read config", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, model.Wrap(model.ErrConfigStartup, "unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the required-field rules for startup configuration.
func (c *Config) Validate() error {
	if c.ArchNode.URL == "" {
		return model.Wrap(model.ErrConfigStartup, "validate config", fmt.Errorf("arch_node.url is required"))
	}
	if c.Indexer.EnableRealtime && c.ArchNode.WebsocketURL == "" {
		return model.Wrap(model.ErrConfigStartup, "validate config", fmt.Errorf("arch_node.websocket_url is required when indexer.enable_realtime is true"))
	}
	switch c.Checkpoint.Backend {
	case "file", "sql":
	default:
		return model.Wrap(model.ErrConfigStartup, "validate config", fmt.Errorf("checkpoint.backend must be %q or %q, got %q", "file", "sql", c.Checkpoint.Backend))
	}
	if c.Checkpoint.Backend == "file" && c.Checkpoint.Path == "" {
		return model.Wrap(model.ErrConfigStartup, "validate config", fmt.Errorf("checkpoint.path is required when checkpoint.backend is %q", "file"))
	}
	return nil
}
