// Package audit defines core types shared across subsystems.
package audit

import (
	"time"
)

// JobStatus represents the lifecycle state of an audit job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions leave the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders jobs for admission. Higher values are dequeued first.
type Priority int

// Supported job priorities.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// ParsePriority maps the wire form to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "medium"
	}
}

// JobOptions captures per-job configuration knobs requested by the client.
type JobOptions struct {
	MaxPages       int  `json:"max_pages"`
	MaxConcurrency int  `json:"max_concurrency"`
	BatchSize      int  `json:"batch_size"`
	UseCache       bool `json:"use_cache"`
}

// JobProgress tracks per-job completion counters recomputed after every item.
type JobProgress struct {
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	CurrentBatch int           `json:"current_batch"`
	TotalBatches int           `json:"total_batches"`
	ETA          time.Duration `json:"eta_ms"`
	MemoryBytes  uint64        `json:"memory_bytes"`
}

// Job represents the metadata tracked for each submitted audit request.
type Job struct {
	ID        string       `json:"id"`
	Targets   []string     `json:"targets"`
	Priority  Priority     `json:"priority"`
	Options   JobOptions   `json:"options"`
	Status    JobStatus    `json:"status"`
	Submitted time.Time    `json:"submitted_at"`
	Started   *time.Time   `json:"started_at,omitempty"`
	Finished  *time.Time   `json:"finished_at,omitempty"`
	Progress  JobProgress  `json:"progress"`
	Results   []PageAudit  `json:"results,omitempty"`
	ErrorText string       `json:"error_text,omitempty"`
}

// PageAudit is the per-URL outcome recorded in a job's result list. A failed
// audit keeps its slot with Err set so callers can distinguish degradation
// from absence.
type PageAudit struct {
	URL        string          `json:"url"`
	Score      int             `json:"score"`
	Combined   *CombinedResult `json:"combined,omitempty"`
	Err        string          `json:"error,omitempty"`
	FromCache  bool            `json:"from_cache"`
	AuditedAt  time.Time       `json:"audited_at"`
	DurationMs int64           `json:"duration_ms"`
}

// Failed reports whether the page audit produced no usable result.
func (p PageAudit) Failed() bool { return p.Err != "" && p.Combined == nil }

// DataQuality grades a combined result by how many sources contributed.
type DataQuality string

// Supported quality grades. A page whose aggregation failed outright has
// no combined result and therefore no grade.
const (
	QualityRealTime DataQuality = "real-time"
	QualityPartial  DataQuality = "partial"
)

// SourceStatus is the per-source outcome of one aggregation call.
type SourceStatus string

// Supported source outcomes.
const (
	SourceSuccess  SourceStatus = "success"
	SourceFailed   SourceStatus = "failed"
	SourceTimedOut SourceStatus = "timed_out"
)

// SourcePayload is the data one upstream source contributes for a target.
// Fields are merged first-writer-wins in source pass order.
type SourcePayload struct {
	Score       *float64           `json:"score,omitempty"`
	Title       string             `json:"title,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// SourceResult captures one source call's outcome, consumed immediately by
// result composition.
type SourceResult struct {
	SourceName string
	Status     SourceStatus
	Payload    *SourcePayload
	Err        error
	Latency    time.Duration
}

// CombinedResult is the merged output of a multi-source aggregation.
type CombinedResult struct {
	Score       int                      `json:"score"`
	Title       string                   `json:"title,omitempty"`
	Summary     string                   `json:"summary,omitempty"`
	Metrics     map[string]float64       `json:"metrics,omitempty"`
	DataSources map[string]bool          `json:"data_sources"`
	DataQuality DataQuality              `json:"data_quality"`
	Errors      []string                 `json:"errors,omitempty"`
	Latencies   map[string]time.Duration `json:"latencies_ms,omitempty"`
}

// ScoreRecord is the persisted form of one page audit, written to the score
// store and reused as a recency-windowed cache.
type ScoreRecord struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	Score     int       `json:"score"`
	Quality   string    `json:"quality"`
	Payload   []byte    `json:"payload"`
	AuditedAt time.Time `json:"audited_at"`
}

// ResultPage is one page of a job's accumulated results.
type ResultPage struct {
	Items        []PageAudit `json:"items"`
	TotalResults int         `json:"total_results"`
	CurrentPage  int         `json:"current_page"`
	TotalPages   int         `json:"total_pages"`
	HasMore      bool        `json:"has_more"`
}

// JobReport is the archived form of a finished job.
type JobReport struct {
	Job     Job         `json:"job"`
	Results []PageAudit `json:"results"`
}
