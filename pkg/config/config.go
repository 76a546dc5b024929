package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// MONTYTEST_SCHEDULER_CHUNK_SIZE=16.
const EnvPrefix = "MONTYTEST"

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":6543"

	// DefaultDatabaseDriver is the default persistence backend.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "montytest.db"

	// DefaultChunkSize is the default number of games per task.
	DefaultChunkSize = 8

	// DefaultTaskTimeout is how long an active task may go without an
	// update before it is reclaimed.
	DefaultTaskTimeout = 30 * time.Minute

	// DefaultReclaimInterval is the period of the background reclaim pass.
	DefaultReclaimInterval = time.Minute

	// DefaultReclaimConcurrency is the number of runs reclaimed in parallel.
	DefaultReclaimConcurrency = 4

	// DefaultMaxRetries bounds optimistic-concurrency retries per update.
	DefaultMaxRetries = 5

	// DefaultBackoffMin is the first retry delay after a write conflict.
	DefaultBackoffMin = 10 * time.Millisecond

	// DefaultBackoffMax caps the retry delay after a write conflict.
	DefaultBackoffMax = 500 * time.Millisecond

	// DefaultAlpha and DefaultBeta are the default SPRT error rates.
	DefaultAlpha = 0.05
	DefaultBeta  = 0.05

	// DefaultMinPairs is the minimum number of game pairs before an SPRT
	// may stop.
	DefaultMinPairs = 2

	// DefaultPGNPrefix is the default key prefix for uploaded PGNs.
	DefaultPGNPrefix = "pgns"
)

// Config is the root configuration for montytest.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Stats     StatsConfig     `yaml:"stats" mapstructure:"stats"`
	PGN       PGNConfig       `yaml:"pgn,omitempty" mapstructure:"pgn"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SchedulerConfig contains task scheduling settings.
type SchedulerConfig struct {
	ChunkSize          int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	TaskTimeout        time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	ReclaimInterval    time.Duration `yaml:"reclaim_interval" mapstructure:"reclaim_interval"`
	ReclaimConcurrency int           `yaml:"reclaim_concurrency" mapstructure:"reclaim_concurrency"`
}

// StoreConfig contains optimistic-concurrency retry settings.
type StoreConfig struct {
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMin time.Duration `yaml:"backoff_min" mapstructure:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
}

// StatsConfig contains default SPRT parameters.
type StatsConfig struct {
	Alpha    float64 `yaml:"alpha" mapstructure:"alpha"`
	Beta     float64 `yaml:"beta" mapstructure:"beta"`
	MinPairs int     `yaml:"min_pairs" mapstructure:"min_pairs"`
}

// Load reads and merges the given configuration files in order, applies
// environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}

		if err := read(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(allSettings(v)); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// allSettings resolves every known key, which makes environment overrides
// visible for keys that only exist as defaults.
func allSettings(v *viper.Viper) map[string]any {
	out := make(map[string]any, 8)

	for _, key := range v.AllKeys() {
		parts := strings.Split(key, ".")
		node := out

		for _, part := range parts[:len(parts)-1] {
			next, ok := node[part].(map[string]any)
			if !ok {
				next = make(map[string]any, 4)
				node[part] = next
			}

			node = next
		}

		node[parts[len(parts)-1]] = v.Get(key)
	}

	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("scheduler.chunk_size", DefaultChunkSize)
	v.SetDefault("scheduler.task_timeout", DefaultTaskTimeout)
	v.SetDefault("scheduler.reclaim_interval", DefaultReclaimInterval)
	v.SetDefault("scheduler.reclaim_concurrency", DefaultReclaimConcurrency)
	v.SetDefault("store.max_retries", DefaultMaxRetries)
	v.SetDefault("store.backoff_min", DefaultBackoffMin)
	v.SetDefault("store.backoff_max", DefaultBackoffMax)
	v.SetDefault("stats.alpha", DefaultAlpha)
	v.SetDefault("stats.beta", DefaultBeta)
	v.SetDefault("stats.min_pairs", DefaultMinPairs)
	v.SetDefault("pgn.s3.enabled", false)
	v.SetDefault("pgn.local.enabled", false)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	c.Scheduler.applyDefaults()
	c.Store.applyDefaults()
	c.Stats.applyDefaults()

	if c.PGN.S3.Prefix == "" {
		c.PGN.S3.Prefix = DefaultPGNPrefix
	}
}

func (c *SchedulerConfig) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}

	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}

	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}

	if c.ReclaimConcurrency <= 0 {
		c.ReclaimConcurrency = DefaultReclaimConcurrency
	}
}

func (c *StoreConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}

	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = DefaultBackoffMax
	}
}

func (c *StatsConfig) applyDefaults() {
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}

	if c.Beta <= 0 {
		c.Beta = DefaultBeta
	}

	if c.MinPairs <= 0 {
		c.MinPairs = DefaultMinPairs
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Scheduler.ChunkSize%2 != 0 {
		return fmt.Errorf(
			"scheduler.chunk_size must be even (games are played in pairs), got %d",
			c.Scheduler.ChunkSize,
		)
	}

	if c.Stats.Alpha >= 1 || c.Stats.Beta >= 1 {
		return fmt.Errorf("stats.alpha and stats.beta must be below 1")
	}

	if c.PGN.S3.Enabled && c.PGN.Local.Enabled {
		return fmt.Errorf("only one pgn storage backend may be enabled")
	}

	if c.PGN.S3.Enabled && c.PGN.S3.Bucket == "" {
		return fmt.Errorf("pgn.s3.bucket is required when s3 is enabled")
	}

	if c.PGN.Local.Enabled && c.PGN.Local.Dir == "" {
		return fmt.Errorf("pgn.local.dir is required when local storage is enabled")
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Worker.RequestsPerMinute <= 0 ||
			c.Server.RateLimit.Admin.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate limit tiers require requests_per_minute > 0")
		}
	}

	return nil
}
