package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "analysis_processing", cfg.Workers.Queue)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 1000, cfg.Storage.ChunkSize)
	assert.Equal(t, 5*time.Minute, cfg.Plugins.ProcessTimeout)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Badger.Dir)
	require.NoError(t, cfg.Validate())
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Workers, cfg.Workers)
	assert.Equal(t, DefaultConfig().HTTP.AllowedOrigins, cfg.HTTP.AllowedOrigins)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http:
  addr: ":9090"
workers:
  count: 2
  upload_retry_delay: 2s
storage:
  chunk_size: 50
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, 2*time.Second, cfg.Workers.UploadRetryDelay)
	assert.Equal(t, 50, cfg.Storage.ChunkSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, "analysis_processing", cfg.Workers.Queue)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  count: 2\n"), 0o644))
	t.Setenv("PLUGIN_ENGINE_WORKERS_COUNT", "7")
	t.Setenv("DATABASE_URL", "postgres://localhost/plugins")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers.Count)
	assert.Equal(t, "postgres://localhost/plugins", cfg.Database.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.Workers.Count = 0 }, "workers.count must be positive"},
		{"zero chunk size", func(c *Config) { c.Storage.ChunkSize = 0 }, "storage.chunk_size must be positive"},
		{"short lock ttl", func(c *Config) { c.Workers.LockTTL = time.Millisecond }, "workers.lock_ttl"},
		{"no queue", func(c *Config) { c.Workers.Queue = "" }, "workers.queue is required"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, `logging.level "loud"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
