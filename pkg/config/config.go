package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the root configuration of the plugin engine.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Badger   BadgerConfig   `mapstructure:"badger" yaml:"badger"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Workers  WorkerConfig   `mapstructure:"workers" yaml:"workers"`
	Plugins  PluginConfig   `mapstructure:"plugins" yaml:"plugins"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig configures PostgreSQL. An empty URL selects the in-memory
// repositories.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// BadgerConfig configures the embedded job store. An empty Dir keeps the
// store in memory.
type BadgerConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// StorageConfig locates exposure objects, trajectory dumps and plugin binaries.
type StorageConfig struct {
	Root       string `mapstructure:"root" yaml:"root"`
	DumpRoot   string `mapstructure:"dump_root" yaml:"dump_root"`
	BinaryRoot string `mapstructure:"binary_root" yaml:"binary_root"`
	WorkDir    string `mapstructure:"work_dir" yaml:"work_dir"`
	ChunkSize  int    `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// WorkerConfig configures the analysis worker pool.
type WorkerConfig struct {
	Count            int           `mapstructure:"count" yaml:"count"`
	Queue            string        `mapstructure:"queue" yaml:"queue"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	UploadRetryDelay time.Duration `mapstructure:"upload_retry_delay" yaml:"upload_retry_delay"`
	MaxUploadWaits   int           `mapstructure:"max_upload_waits" yaml:"max_upload_waits"`
	LockTTL          time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// PluginConfig configures plugin loading and execution.
type PluginConfig struct {
	CacheSize      int           `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout" yaml:"process_timeout"`
}

// LoggingConfig configures the default slog logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3003"},
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Storage: StorageConfig{
			Root:       "data/objects",
			DumpRoot:   "data/dumps",
			BinaryRoot: "plugins/bin",
			WorkDir:    "",
			ChunkSize:  1000,
		},
		Workers: WorkerConfig{
			Count:            4,
			Queue:            "analysis_processing",
			PollInterval:     250 * time.Millisecond,
			UploadRetryDelay: 10 * time.Second,
			MaxUploadWaits:   30,
			LockTTL:          30 * time.Second,
		},
		Plugins: PluginConfig{
			CacheSize:      128,
			CacheTTL:       5 * time.Minute,
			ProcessTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.HTTP.Addr != "", "http.addr is required")
	check(c.Workers.Count > 0, "workers.count must be positive (got: %d)", c.Workers.Count)
	check(c.Workers.Queue != "", "workers.queue is required")
	check(c.Workers.PollInterval > 0, "workers.poll_interval must be positive")
	check(c.Workers.UploadRetryDelay > 0, "workers.upload_retry_delay must be positive")
	check(c.Workers.MaxUploadWaits >= 0, "workers.max_upload_waits must not be negative")
	check(c.Workers.LockTTL >= time.Second, "workers.lock_ttl must be at least 1s")
	check(c.Storage.Root != "", "storage.root is required")
	check(c.Storage.DumpRoot != "", "storage.dump_root is required")
	check(c.Storage.ChunkSize > 0, "storage.chunk_size must be positive (got: %d)", c.Storage.ChunkSize)
	check(c.Plugins.CacheSize > 0, "plugins.cache_size must be positive")
	check(c.Plugins.ProcessTimeout > 0, "plugins.process_timeout must be positive")
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// ParseLevel converts a configured level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", level)
	}
}
