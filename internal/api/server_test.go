package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siteaudit/audit-pipeline/internal/audit"
	"github.com/siteaudit/audit-pipeline/internal/config"
)

type stubJobService struct {
	enqueueID   string
	enqueueErr  error
	lastTargets []string
	lastPrio    audit.Priority
	lastOpts    audit.JobOptions

	statusJob audit.Job
	statusOK  bool

	cancelOK bool

	resultsPage audit.ResultPage
	resultsOK   bool
	lastPage    int
	lastLimit   int

	listJobs []audit.Job
}

func (s *stubJobService) Enqueue(_ context.Context, targets []string, priority audit.Priority, opts audit.JobOptions) (string, error) {
	s.lastTargets = targets
	s.lastPrio = priority
	s.lastOpts = opts
	return s.enqueueID, s.enqueueErr
}

func (s *stubJobService) Status(string) (audit.Job, bool) { return s.statusJob, s.statusOK }

func (s *stubJobService) Cancel(context.Context, string) bool { return s.cancelOK }

func (s *stubJobService) Results(_ string, page, limit int) (audit.ResultPage, bool) {
	s.lastPage = page
	s.lastLimit = limit
	return s.resultsPage, s.resultsOK
}

func (s *stubJobService) List(*audit.JobStatus, int, int) []audit.Job { return s.listJobs }

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Batch: config.BatchConfig{
			BatchSize:       10,
			MaxConcurrency:  5,
			MaxPagesDefault: 25,
		},
	}
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitAudit_AppliesConfigDefaults(t *testing.T) {
	t.Parallel()

	stub := &stubJobService{enqueueID: "job-001"}
	srv := NewServer(stub, testConfig(), zaptest.NewLogger(t))

	rec := doRequest(t, srv, http.MethodPost, "/v1/audits", map[string]any{
		"targets":  []string{"https://example.com"},
		"priority": "high",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-001", resp["job_id"])

	require.Equal(t, audit.PriorityHigh, stub.lastPrio)
	require.Equal(t, 25, stub.lastOpts.MaxPages)
	require.Equal(t, 5, stub.lastOpts.MaxConcurrency)
	require.Equal(t, 10, stub.lastOpts.BatchSize)
	require.True(t, stub.lastOpts.UseCache)
}

func TestSubmitAudit_HonorsExplicitOptions(t *testing.T) {
	t.Parallel()

	stub := &stubJobService{enqueueID: "job-002"}
	srv := NewServer(stub, testConfig(), zaptest.NewLogger(t))

	rec := doRequest(t, srv, http.MethodPost, "/v1/audits", map[string]any{
		"targets":   []string{"https://example.com"},
		"priority":  "urgent",
		"max_pages": 3,
		"use_cache": false,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 3, stub.lastOpts.MaxPages)
	require.False(t, stub.lastOpts.UseCache)
}

func TestSubmitAudit_RejectsBadInput(t *testing.T) {
	t.Parallel()

	stub := &stubJobService{enqueueID: "job-003"}
	srv := NewServer(stub, testConfig(), zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/audits", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/v1/audits", map[string]any{"priority": "high"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/v1/audits", map[string]any{
		"targets":  []string{"https://example.com"},
		"priority": "whenever",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAuditStatus(t *testing.T) {
	t.Parallel()

	job := audit.Job{
		ID:        "job-004",
		Status:    audit.JobStatusProcessing,
		Submitted: time.Now().UTC(),
		Targets:   []string{"https://example.com"},
		Results:   []audit.PageAudit{{URL: "https://example.com", Score: 90}},
	}
	stub := &stubJobService{statusJob: job, statusOK: true}
	srv := NewServer(stub, testConfig(), zaptest.NewLogger(t))

	rec := doRequest(t, srv, http.MethodGet, "/v1/audits/job-004/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Job audit.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-004", resp.Job.ID)
	require.Empty(t, resp.Job.Results, "status responses omit result bodies")

	stub.statusOK = false
	rec = doRequest(t, srv, http.MethodGet, "/v1/audits/missing/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAuditResults_PassesPagination(t *testing.T) {
	t.Parallel()

	stub := &stubJobService{
		resultsOK: true,
		resultsPage: audit.ResultPage{
			Items:        []audit.PageAudit{{URL: "https://example.com", Score: 88}},
			TotalResults: 1,
			CurrentPage:  2,
			TotalPages:   2,
		},
	}
	srv := NewServer(stub, testConfig(), zaptest.NewLogger(t))

	rec := doRequest(t, srv, http.MethodGet, "/v1/audits/job-005/results?page=2&limit=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, stub.lastPage)
	require.Equal(t, 20, stub.lastLimit)

	rec = doRequest(t, srv, http.MethodGet, "/v1/audits/job-005/results?page=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/audits/job-005/results?limit=nope", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	stub.resultsOK = false
	rec = doRequest(t, srv, http.MethodGet, "/v1/audits/job-005/results", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelAudit(t *testing.T) {
	t.Parallel()

	stub := &stubJobService{cancelOK: true}
	srv := NewServer(stub, testConfig(), zaptest.NewLogger(t))

	rec := doRequest(t, srv, http.MethodPost, "/v1/audits/job-006/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(audit.JobStatusCancelled), resp["status"])

	stub.cancelOK = false
	rec = doRequest(t, srv, http.MethodPost, "/v1/audits/job-006/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAudits(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	stub := &stubJobService{listJobs: []audit.Job{
		{ID: "job-b", Status: audit.JobStatusCompleted, Submitted: now, Progress: audit.JobProgress{Completed: 5}},
		{ID: "job-a", Status: audit.JobStatusQueued, Submitted: now.Add(-time.Minute)},
	}}
	srv := NewServer(stub, testConfig(), zaptest.NewLogger(t))

	rec := doRequest(t, srv, http.MethodGet, "/v1/audits?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []jobSummary `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	require.Equal(t, "job-b", resp.Jobs[0].ID)
	require.Equal(t, 5, resp.Jobs[0].Completed)

	rec = doRequest(t, srv, http.MethodGet, "/v1/audits?status=sideways", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/audits?limit=-2", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "sekrit"}
	stub := &stubJobService{statusJob: audit.Job{ID: "job-007"}, statusOK: true}
	srv := NewServer(stub, cfg, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/audits/job-007/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/audits/job-007/status", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/audits/job-007/status?api_key=sekrit", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := NewServer(&stubJobService{}, testConfig(), zaptest.NewLogger(t))

	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}