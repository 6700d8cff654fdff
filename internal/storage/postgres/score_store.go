// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteaudit/audit-pipeline/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ScoreStoreConfig controls the Postgres connection pool used for score rows.
type ScoreStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querierCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ScoreStore writes and reads audit score rows in Postgres.
type ScoreStore struct {
	pool  querierCloser
	table string
}

// NewScoreStore creates a Postgres-backed ScoreStore using the provided config.
func NewScoreStore(ctx context.Context, cfg ScoreStoreConfig) (*ScoreStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "audit_scores"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ScoreStore{pool: pool, table: table}, nil
}

// NewScoreStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewScoreStoreWithPool(pool querierCloser, table string) (*ScoreStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "audit_scores"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ScoreStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ScoreStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Save inserts a score row. Transient failures are retried with
// exponential backoff before the error is surfaced.
func (s *ScoreStore) Save(ctx context.Context, record audit.ScoreRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("score store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	job_id,
	url,
	score,
	quality,
	payload,
	audited_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, s.table)

	args := []any{
		record.ID,
		record.JobID,
		record.URL,
		record.Score,
		record.Quality,
		record.Payload,
		record.AuditedAt,
	}

	insert := func() error {
		_, err := s.pool.Exec(ctx, query, args...)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(insert, policy); err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

// Recent returns the newest score row for the URL audited within the window,
// or nil when none qualifies.
func (s *ScoreStore) Recent(ctx context.Context, url string, window time.Duration) (*audit.ScoreRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("score store is not configured")
	}
	query := fmt.Sprintf(`
SELECT id, job_id, url, score, quality, payload, audited_at
FROM %s
WHERE url = $1 AND audited_at >= $2
ORDER BY audited_at DESC
LIMIT 1`, s.table)

	cutoff := time.Now().UTC().Add(-window)
	var record audit.ScoreRecord
	row := s.pool.QueryRow(ctx, query, url, cutoff)
	err := row.Scan(
		&record.ID,
		&record.JobID,
		&record.URL,
		&record.Score,
		&record.Quality,
		&record.Payload,
		&record.AuditedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recent score: %w", err)
	}
	return &record, nil
}
