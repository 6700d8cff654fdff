package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobQueued    Stage = "JOB_QUEUED"
	StageJobStart     Stage = "JOB_START"
	StageItemDone     Stage = "ITEM_DONE"
	StageBatchDone    Stage = "BATCH_DONE"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
)

// Terminal reports whether the stage ends a job's event stream.
func (s Stage) Terminal() bool {
	switch s {
	case StageJobDone, StageJobError, StageJobCancelled:
		return true
	default:
		return false
	}
}

// Event captures a single milestone of audit pipeline progress.
type Event struct {
	// JobID uniquely identifies a job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or item milestone occurred.
	Stage Stage
	// URL is the page the event refers to, for item-level stages.
	URL string
	// Completed and Failed are the job's running counters at emit time.
	Completed int
	Failed    int
	// Total is the number of targets the job will process.
	Total int
	// Batch and TotalBatches scope batch-level stages.
	Batch        int
	TotalBatches int
	// Dur captures execution latency for items, batches, and completed jobs.
	Dur time.Duration
	// ETA is the estimated time remaining, recomputed per item.
	ETA time.Duration
	// MemoryBytes is the heap usage sampled by the batch runner.
	MemoryBytes uint64
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart, StageJobDone, StageJobError, StageJobCancelled:
	case StageItemDone:
		if e.URL == "" {
			return errors.New("item done requires url")
		}
	case StageBatchDone:
		if e.Batch < 1 {
			return errors.New("batch done requires batch index")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
