package audit

import (
	"context"
	"time"
)

// JobStore persists job metadata. Writes are best-effort from the queue's
// perspective; a failed write is logged, never fatal.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// ScoreStore appends audit score records and answers recency-windowed
// lookups used as a cache-before-compute check.
type ScoreStore interface {
	Save(ctx context.Context, record ScoreRecord) error
	Recent(ctx context.Context, url string, window time.Duration) (*ScoreRecord, error)
}

// BlobStore writes serialized reports and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job-terminal events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Discoverer expands a seed URL into candidate audit targets. Best-effort;
// may return an empty set.
type Discoverer interface {
	Discover(ctx context.Context, seed string, maxPages int) ([]string, error)
}

// AuditFunc runs one page audit. A rejection is recorded as a per-item
// failure, never fatal to the batch.
type AuditFunc func(ctx context.Context, url string) (*CombinedResult, error)

// ResultCache holds recently computed page audits keyed by URL.
type ResultCache interface {
	Get(url string) (*PageAudit, bool)
	Put(url string, result PageAudit)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
