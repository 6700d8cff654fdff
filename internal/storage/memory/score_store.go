package memory

import (
	"context"
	"sync"
	"time"

	"github.com/siteaudit/audit-pipeline/internal/audit"
)

// ScoreStore keeps score history per URL in memory. Useful for development
// and as the recency cache backing when Postgres is not configured.
type ScoreStore struct {
	mu      sync.RWMutex
	records map[string][]audit.ScoreRecord
}

// NewScoreStore constructs a ScoreStore.
func NewScoreStore() *ScoreStore {
	return &ScoreStore{records: make(map[string][]audit.ScoreRecord)}
}

// Save appends a score record.
func (s *ScoreStore) Save(_ context.Context, record audit.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.URL] = append(s.records[record.URL], record)
	return nil
}

// Recent returns the newest record for the URL within the window, or nil
// when none qualifies.
func (s *ScoreStore) Recent(_ context.Context, url string, window time.Duration) (*audit.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.records[url]
	cutoff := time.Now().UTC().Add(-window)
	var newest *audit.ScoreRecord
	for i := range records {
		rec := records[i]
		if rec.AuditedAt.Before(cutoff) {
			continue
		}
		if newest == nil || rec.AuditedAt.After(newest.AuditedAt) {
			cp := rec
			newest = &cp
		}
	}
	return newest, nil
}
