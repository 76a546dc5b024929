package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
global:
  log_level: info
server:
  listen: ":8080"
  admin_token: original-token
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
scheduler:
  chunk_size: 8
  task_timeout: 10m
stats:
  alpha: 0.05
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":8080", cfg.Server.Listen)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 8, cfg.Scheduler.ChunkSize)
				assert.Equal(t, 10*time.Minute, cfg.Scheduler.TaskTimeout)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"MONTYTEST_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - sqlite path",
			envVars: map[string]string{
				"MONTYTEST_DATABASE_SQLITE_PATH": "/var/lib/montytest.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/var/lib/montytest.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "int override - chunk_size",
			envVars: map[string]string{
				"MONTYTEST_SCHEDULER_CHUNK_SIZE": "16",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 16, cfg.Scheduler.ChunkSize)
			},
		},
		{
			name: "duration override - task_timeout",
			envVars: map[string]string{
				"MONTYTEST_SCHEDULER_TASK_TIMEOUT": "90s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90*time.Second, cfg.Scheduler.TaskTimeout)
			},
		},
		{
			name: "float override - stats beta",
			envVars: map[string]string{
				"MONTYTEST_STATS_BETA": "0.1",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.InDelta(t, 0.1, cfg.Stats.Beta, 1e-9)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  listen: ":9000"
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultChunkSize, cfg.Scheduler.ChunkSize)
	assert.Equal(t, DefaultTaskTimeout, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, DefaultReclaimInterval, cfg.Scheduler.ReclaimInterval)
	assert.Equal(t, DefaultMaxRetries, cfg.Store.MaxRetries)
	assert.Equal(t, DefaultBackoffMin, cfg.Store.BackoffMin)
	assert.Equal(t, DefaultAlpha, cfg.Stats.Alpha)
	assert.Equal(t, DefaultMinPairs, cfg.Stats.MinPairs)
	assert.Equal(t, DefaultPGNPrefix, cfg.PGN.S3.Prefix)
}

func TestLoad_EnvVarOverridesDefaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  listen: ":9000"
`)

	t.Setenv("MONTYTEST_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
server:
  listen: ":9000"
scheduler:
  chunk_size: 8
`)
	override := writeConfig(t, "override.yaml", `
scheduler:
  chunk_size: 32
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 32, cfg.Scheduler.ChunkSize)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		var cfg Config

		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		errSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name:      "unknown driver",
			mutate:    func(cfg *Config) { cfg.Database.Driver = "mongo" },
			errSubstr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "montytest"
			},
			errSubstr: "postgres.host",
		},
		{
			name:      "odd chunk size",
			mutate:    func(cfg *Config) { cfg.Scheduler.ChunkSize = 7 },
			errSubstr: "must be even",
		},
		{
			name: "both pgn backends",
			mutate: func(cfg *Config) {
				cfg.PGN.S3.Enabled = true
				cfg.PGN.S3.Bucket = "pgns"
				cfg.PGN.Local.Enabled = true
				cfg.PGN.Local.Dir = "/tmp"
			},
			errSubstr: "only one pgn storage backend",
		},
		{
			name:      "s3 without bucket",
			mutate:    func(cfg *Config) { cfg.PGN.S3.Enabled = true },
			errSubstr: "pgn.s3.bucket",
		},
		{
			name: "rate limit without tiers",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
			},
			errSubstr: "requests_per_minute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Config{}
	cfg.Server.AdminToken = "secret"
	cfg.PGN.S3.SecretAccessKey = "aws-secret"

	redacted := cfg.Redacted()

	assert.Equal(t, "<redacted>", redacted.Server.AdminToken)
	assert.Equal(t, "<redacted>", redacted.PGN.S3.SecretAccessKey)
	assert.Empty(t, redacted.Database.Postgres.Password)
	assert.Equal(t, "secret", cfg.Server.AdminToken)
}
