package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/siteaudit/audit-pipeline/internal/audit"
)

// ErrNotFound marks lookups for unknown jobs.
var ErrNotFound = errors.New("job not found")

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]audit.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]audit.Job)}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job audit.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob replaces the stored job state. Missing jobs are inserted so
// queue restarts do not lose terminal writes.
func (s *JobStore) UpdateJob(_ context.Context, job audit.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (audit.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.Job{}, ErrNotFound
	}
	return job, nil
}
