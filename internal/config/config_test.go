package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
queue:
  poll_interval_ms: 250
  min_active: 2
  max_active: 8
  depth_per_slot: 3
  cache_ttl_minutes: 30
  cache_max_entries: 500
  retain_hours: 6
batch:
  batch_size: 20
  max_concurrency: 10
  max_pages_default: 100
  memory_limit_mb: 512
aggregator:
  deadline_seconds: 45
  require_all: true
discovery:
  user_agent: audit-agent
  timeout_seconds: 20
  crawl_depth: 3
db:
  dsn: postgres://localhost/audits
  table: scores
  max_conns: 8
archive:
  gcs_bucket: bucket
  local_dir: /var/lib/audit/reports
  prefix: archived
pubsub:
  project_id: proj
  topic_name: audit-events
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Queue.MinActive != 2 || cfg.Queue.MaxActive != 8 {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if cfg.Batch.BatchSize != 20 || cfg.Batch.MaxConcurrency != 10 {
		t.Fatalf("expected batch overrides to apply: %+v", cfg.Batch)
	}
	if !cfg.Aggregator.RequireAll {
		t.Fatalf("expected aggregator.require_all true")
	}
	if cfg.DB.DSN != "postgres://localhost/audits" || cfg.DB.Table != "scores" {
		t.Fatalf("expected db overrides to apply: %+v", cfg.DB)
	}
	if cfg.Archive.GCSBucket != "bucket" || cfg.Archive.LocalDir != "/var/lib/audit/reports" {
		t.Fatalf("expected archive overrides to apply: %+v", cfg.Archive)
	}
	if got := cfg.PollInterval(); got != 250*time.Millisecond {
		t.Fatalf("expected poll interval 250ms, got %v", got)
	}
	if got := cfg.AggregatorDeadline(); got != 45*time.Second {
		t.Fatalf("expected aggregator deadline 45s, got %v", got)
	}
	if got := cfg.MemoryLimitBytes(); got != 512*1024*1024 {
		t.Fatalf("expected memory limit 512MiB, got %d", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Batch.BatchSize != 10 || cfg.Batch.MaxConcurrency != 5 {
		t.Fatalf("expected batch defaults: %+v", cfg.Batch)
	}
	if cfg.Queue.CacheMaxEntries != 10000 {
		t.Fatalf("expected cache_max_entries default, got %d", cfg.Queue.CacheMaxEntries)
	}
	if cfg.DB.Table != "audit_scores" {
		t.Fatalf("expected db.table default, got %q", cfg.DB.Table)
	}
	if cfg.MemoryLimitBytes() != 0 {
		t.Fatalf("expected memory governance disabled by default")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		Queue:      QueueConfig{MinActive: 1, MaxActive: 4},
		Batch:      BatchConfig{BatchSize: 10, MaxConcurrency: 5},
		Aggregator: AggregatorConfig{DeadlineSeconds: 30},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid min active",
			cfg: func() Config {
				c := base
				c.Queue.MinActive = 0
				return c
			}(),
			want: "queue.min_active",
		},
		{
			name: "max below min",
			cfg: func() Config {
				c := base
				c.Queue.MaxActive = 0
				return c
			}(),
			want: "queue.max_active",
		},
		{
			name: "invalid batch size",
			cfg: func() Config {
				c := base
				c.Batch.BatchSize = 0
				return c
			}(),
			want: "batch.batch_size",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Batch.MaxConcurrency = 0
				return c
			}(),
			want: "batch.max_concurrency",
		},
		{
			name: "invalid aggregator deadline",
			cfg: func() Config {
				c := base
				c.Aggregator.DeadlineSeconds = 0
				return c
			}(),
			want: "aggregator.deadline_seconds",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
