package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/siteaudit/audit-pipeline/internal/audit"
)

func TestScoreStoreSaveInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStoreWithPool(mock, "audit_scores")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := audit.ScoreRecord{
		ID:        "uuid-v7",
		JobID:     "job-1",
		URL:       "https://example.com",
		Score:     87,
		Quality:   string(audit.QualityRealTime),
		Payload:   []byte(`{"score":87}`),
		AuditedAt: now,
	}

	mock.ExpectExec("INSERT INTO audit_scores").
		WithArgs(rec.ID, rec.JobID, rec.URL, rec.Score, rec.Quality, rec.Payload, rec.AuditedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScoreStoreSaveRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStoreWithPool(mock, "audit_scores")
	require.NoError(t, err)

	rec := audit.ScoreRecord{
		ID:        "uuid-v7",
		URL:       "https://example.com",
		AuditedAt: time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO audit_scores").
		WithArgs(rec.ID, rec.JobID, rec.URL, rec.Score, rec.Quality, rec.Payload, pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec("INSERT INTO audit_scores").
		WithArgs(rec.ID, rec.JobID, rec.URL, rec.Score, rec.Quality, rec.Payload, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScoreStoreSaveRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStoreWithPool(mock, "audit_scores")
	require.NoError(t, err)

	err = store.Save(context.Background(), audit.ScoreRecord{URL: "https://example.com"})
	require.ErrorContains(t, err, "record id is required")
}

func TestScoreStoreRecentReturnsNewestRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStoreWithPool(mock, "audit_scores")
	require.NoError(t, err)

	auditedAt := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"id", "job_id", "url", "score", "quality", "payload", "audited_at"}).
		AddRow("uuid-v7", "job-1", "https://example.com", 87, string(audit.QualityRealTime), []byte(`{}`), auditedAt)

	mock.ExpectQuery("SELECT id, job_id, url, score, quality, payload, audited_at").
		WithArgs("https://example.com", pgxmock.AnyArg()).
		WillReturnRows(rows)

	rec, err := store.Recent(context.Background(), "https://example.com", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "uuid-v7", rec.ID)
	require.Equal(t, 87, rec.Score)
	require.Equal(t, string(audit.QualityRealTime), rec.Quality)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScoreStoreRecentMissReturnsNil(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewScoreStoreWithPool(mock, "audit_scores")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, job_id, url, score, quality, payload, audited_at").
		WithArgs("https://example.com", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "job_id", "url", "score", "quality", "payload", "audited_at"}))

	rec, err := store.Recent(context.Background(), "https://example.com", time.Hour)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewScoreStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewScoreStoreWithPool(mock, "audit-scores; DROP TABLE")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewScoreStoreWithPool(nil, "audit_scores")
	require.ErrorContains(t, err, "pool is required")
}
