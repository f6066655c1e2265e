// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backends accepted by the bus and storage sections.
const (
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Bus       BusConfig       `mapstructure:"bus"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the zap preset and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProviderConfig tunes the HTTP client used against the provider API.
type ProviderConfig struct {
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RPS         float64       `mapstructure:"rps"`
	Burst       int           `mapstructure:"burst"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// PipelineConfig governs the fetch-and-fan-out processor and job runners.
type PipelineConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	InlineThresholdBytes int           `mapstructure:"inline_threshold_bytes"`
	BatchSize            int           `mapstructure:"batch_size"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay"`
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
	TierLockTimeout      time.Duration `mapstructure:"tier_lock_timeout"`
	FollowPagination     bool          `mapstructure:"follow_pagination"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// BusConfig selects and tunes the message transport.
type BusConfig struct {
	Backend        string        `mapstructure:"backend"`
	ProjectID      string        `mapstructure:"project_id"`
	Topic          string        `mapstructure:"topic"`
	Subscription   string        `mapstructure:"subscription"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	Workers        int           `mapstructure:"workers"`
	MaxDeliveries  int           `mapstructure:"max_deliveries"`
	RedeliverDelay time.Duration `mapstructure:"redeliver_delay"`
	MaxOutstanding int           `mapstructure:"max_outstanding"`
}

// StorageConfig selects where raw provider documents are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	BaseDir     string `mapstructure:"base_dir"`
	ContentType string `mapstructure:"content_type"`
}

// OutboxConfig tunes the outbox relay.
type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// SchedulerConfig toggles recurring execution of frontier rows.
type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// TracingConfig names the service in exported spans.
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment. Environment variables use the
// PROVIDER_ prefix, e.g. PROVIDER_DATABASE_DSN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROVIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("provider.user_agent", "sports-provider-crawler/1.0")
	v.SetDefault("provider.timeout", "15s")
	v.SetDefault("provider.rps", 5.0)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("provider.max_body_size", 16*1024*1024)
	v.SetDefault("pipeline.max_attempts", 10)
	v.SetDefault("pipeline.inline_threshold_bytes", 204800)
	v.SetDefault("pipeline.batch_size", 256)
	v.SetDefault("pipeline.retry_base_delay", "1s")
	v.SetDefault("pipeline.retry_max_delay", "60s")
	v.SetDefault("pipeline.job_timeout", "300s")
	v.SetDefault("pipeline.tier_lock_timeout", "300s")
	v.SetDefault("pipeline.follow_pagination", true)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("bus.backend", BackendMemory)
	v.SetDefault("bus.queue_depth", 1024)
	v.SetDefault("bus.workers", 4)
	v.SetDefault("bus.max_deliveries", 5)
	v.SetDefault("bus.redeliver_delay", "1s")
	v.SetDefault("bus.max_outstanding", 100)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.base_dir", "data/documents")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.resync_interval", "1m")
	v.SetDefault("tracing.service_name", "sports-provider-crawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if c.Pipeline.InlineThresholdBytes <= 0 {
		return fmt.Errorf("pipeline.inline_threshold_bytes must be > 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	switch c.Bus.Backend {
	case BackendMemory:
		if c.Bus.Workers <= 0 {
			return fmt.Errorf("bus.workers must be > 0")
		}
	case BackendPubSub:
		if c.Bus.ProjectID == "" || c.Bus.Topic == "" || c.Bus.Subscription == "" {
			return fmt.Errorf("bus.project_id, bus.topic and bus.subscription are required for pubsub")
		}
	default:
		return fmt.Errorf("bus.backend must be %q or %q", BackendMemory, BackendPubSub)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend must be %q, %q or %q", BackendMemory, BackendLocal, BackendGCS)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be > 0")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be > 0")
	}
	return nil
}

// UsesPostgres reports whether the durable stores are configured.
func (c Config) UsesPostgres() bool {
	return c.Database.DSN != ""
}
