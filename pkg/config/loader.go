package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PLUGIN_ENGINE_WORKERS_COUNT=8.
const EnvPrefix = "PLUGIN_ENGINE"

// Load builds the configuration from defaults, the optional YAML file at path
// and environment variables, in increasing precedence. DATABASE_URL is
// honoured as well as PLUGIN_ENGINE_DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("bind database url: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment variables can override
// settings that are absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)

	v.SetDefault("badger.dir", d.Badger.Dir)

	v.SetDefault("storage.root", d.Storage.Root)
	v.SetDefault("storage.dump_root", d.Storage.DumpRoot)
	v.SetDefault("storage.binary_root", d.Storage.BinaryRoot)
	v.SetDefault("storage.work_dir", d.Storage.WorkDir)
	v.SetDefault("storage.chunk_size", d.Storage.ChunkSize)

	v.SetDefault("workers.count", d.Workers.Count)
	v.SetDefault("workers.queue", d.Workers.Queue)
	v.SetDefault("workers.poll_interval", d.Workers.PollInterval)
	v.SetDefault("workers.upload_retry_delay", d.Workers.UploadRetryDelay)
	v.SetDefault("workers.max_upload_waits", d.Workers.MaxUploadWaits)
	v.SetDefault("workers.lock_ttl", d.Workers.LockTTL)

	v.SetDefault("plugins.cache_size", d.Plugins.CacheSize)
	v.SetDefault("plugins.cache_ttl", d.Plugins.CacheTTL)
	v.SetDefault("plugins.process_timeout", d.Plugins.ProcessTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
}
