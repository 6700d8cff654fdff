// Package config loads and validates audit service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	DB         DBConfig         `mapstructure:"db"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs job admission and retention.
type QueueConfig struct {
	PollIntervalMs  int `mapstructure:"poll_interval_ms"`
	MinActive       int `mapstructure:"min_active"`
	MaxActive       int `mapstructure:"max_active"`
	DepthPerSlot    int `mapstructure:"depth_per_slot"`
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes"`
	CacheMaxEntries int `mapstructure:"cache_max_entries"`
	RetainHours     int `mapstructure:"retain_hours"`
}

// BatchConfig governs per-job batch execution.
type BatchConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	MaxConcurrency  int `mapstructure:"max_concurrency"`
	MaxPagesDefault int `mapstructure:"max_pages_default"`
	MemoryLimitMB   int `mapstructure:"memory_limit_mb"`
}

// AggregatorConfig controls the per-source settlement wait.
type AggregatorConfig struct {
	DeadlineSeconds int  `mapstructure:"deadline_seconds"`
	RequireAll      bool `mapstructure:"require_all"`
}

// DiscoveryConfig configures seed expansion.
type DiscoveryConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	CrawlDepth     int    `mapstructure:"crawl_depth"`
}

// DBConfig controls access to the relational score store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ArchiveConfig sets the report archive destination. GCSBucket wins over
// LocalDir when both are set; with neither, reports stay in memory.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
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
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.min_active", 1)
	v.SetDefault("queue.max_active", 4)
	v.SetDefault("queue.depth_per_slot", 5)
	v.SetDefault("queue.cache_ttl_minutes", 60)
	v.SetDefault("queue.cache_max_entries", 10000)
	v.SetDefault("queue.retain_hours", 24)
	v.SetDefault("batch.batch_size", 10)
	v.SetDefault("batch.max_concurrency", 5)
	v.SetDefault("batch.max_pages_default", 10)
	v.SetDefault("batch.memory_limit_mb", 0)
	v.SetDefault("aggregator.deadline_seconds", 30)
	v.SetDefault("aggregator.require_all", false)
	v.SetDefault("discovery.user_agent", "site-audit-bot/0.1")
	v.SetDefault("discovery.timeout_seconds", 15)
	v.SetDefault("discovery.crawl_depth", 2)
	v.SetDefault("db.table", "audit_scores")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("archive.prefix", "reports")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.MinActive <= 0 {
		return fmt.Errorf("queue.min_active must be > 0")
	}
	if c.Queue.MaxActive < c.Queue.MinActive {
		return fmt.Errorf("queue.max_active must be >= queue.min_active")
	}
	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("batch.batch_size must be > 0")
	}
	if c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("batch.max_concurrency must be > 0")
	}
	if c.Aggregator.DeadlineSeconds <= 0 {
		return fmt.Errorf("aggregator.deadline_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PollInterval returns the admission loop cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMs) * time.Millisecond
}

// AggregatorDeadline returns the per-source settlement wait.
func (c Config) AggregatorDeadline() time.Duration {
	return time.Duration(c.Aggregator.DeadlineSeconds) * time.Second
}

// MemoryLimitBytes converts the configured megabyte limit; zero disables
// memory governance.
func (c Config) MemoryLimitBytes() uint64 {
	return uint64(c.Batch.MemoryLimitMB) * 1024 * 1024
}
