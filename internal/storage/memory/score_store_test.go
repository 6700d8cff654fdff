package memory

import (
	"context"
	"testing"
	"time"

	"github.com/siteaudit/audit-pipeline/internal/audit"
)

func TestScoreStoreRecentWindow(t *testing.T) {
	t.Parallel()

	store := NewScoreStore()
	ctx := context.Background()
	now := time.Now().UTC()
	url := "https://example.com/pricing"

	old := audit.ScoreRecord{ID: "rec-1", URL: url, Score: 40, AuditedAt: now.Add(-3 * time.Hour)}
	fresh := audit.ScoreRecord{ID: "rec-2", URL: url, Score: 75, AuditedAt: now.Add(-10 * time.Minute)}
	fresher := audit.ScoreRecord{ID: "rec-3", URL: url, Score: 82, AuditedAt: now.Add(-2 * time.Minute)}
	for _, rec := range []audit.ScoreRecord{old, fresh, fresher} {
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, url, time.Hour)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if got == nil || got.ID != "rec-3" {
		t.Fatalf("expected newest in-window record, got %+v", got)
	}

	got, err = store.Recent(ctx, url, time.Minute)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if got != nil {
		t.Fatalf("expected no record inside a 1m window, got %+v", got)
	}

	got, err = store.Recent(ctx, "https://example.com/other", time.Hour)
	if err != nil || got != nil {
		t.Fatalf("expected nil for unknown url, got %+v err=%v", got, err)
	}
}
