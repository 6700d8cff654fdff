// Package api exposes the HTTP interface for the audit service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteaudit/audit-pipeline/internal/audit"
	"github.com/siteaudit/audit-pipeline/internal/config"
	"github.com/siteaudit/audit-pipeline/internal/metrics"
)

// JobService is the queue surface the HTTP layer needs.
type JobService interface {
	Enqueue(ctx context.Context, targets []string, priority audit.Priority, opts audit.JobOptions) (string, error)
	Status(jobID string) (audit.Job, bool)
	Cancel(ctx context.Context, jobID string) bool
	Results(jobID string, page, limit int) (audit.ResultPage, bool)
	List(status *audit.JobStatus, limit, offset int) []audit.Job
}

// Server wires HTTP handlers to the job queue.
type Server struct {
	router chi.Router
	jobs   JobService
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobService, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/audits", func(r chi.Router) {
			r.Post("/", s.submitAudit)
			r.Get("/", s.listAudits)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getAuditStatus)
				r.Get("/results", s.getAuditResults)
				r.Post("/cancel", s.cancelAudit)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitAuditRequest struct {
	Targets        []string `json:"targets"`
	Priority       string   `json:"priority"`
	MaxPages       *int     `json:"max_pages"`
	MaxConcurrency *int     `json:"max_concurrency"`
	BatchSize      *int     `json:"batch_size"`
	UseCache       *bool    `json:"use_cache"`
}

func (s *Server) submitAudit(w http.ResponseWriter, r *http.Request) {
	var req submitAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "targets required")
		return
	}
	switch req.Priority {
	case "", "low", "medium", "high", "urgent":
	default:
		writeError(w, http.StatusBadRequest, "priority must be one of low, medium, high, urgent")
		return
	}
	priority := audit.ParsePriority(req.Priority)
	opts := audit.JobOptions{
		MaxPages:       valueOrDefault(req.MaxPages, s.cfg.Batch.MaxPagesDefault),
		MaxConcurrency: valueOrDefault(req.MaxConcurrency, s.cfg.Batch.MaxConcurrency),
		BatchSize:      valueOrDefault(req.BatchSize, s.cfg.Batch.BatchSize),
		UseCache:       valueOrDefault(req.UseCache, true),
	}
	jobID, err := s.jobs.Enqueue(r.Context(), req.Targets, priority, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getAuditStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.jobs.Status(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	// Result bodies are served by the results endpoint.
	job.Results = nil
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getAuditResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	page, limit, err := parsePageLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, ok := s.jobs.Results(jobID, page, limit)
	if !ok {
		writeError(w, http.StatusNotFound, "no results available")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) cancelAudit(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !s.jobs.Cancel(r.Context(), jobID) {
		writeError(w, http.StatusNotFound, "job not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(audit.JobStatusCancelled),
	})
}

func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status *audit.JobStatus
	if raw := q.Get("status"); raw != "" {
		st := audit.JobStatus(raw)
		switch st {
		case audit.JobStatusQueued, audit.JobStatusProcessing, audit.JobStatusCompleted,
			audit.JobStatusFailed, audit.JobStatusCancelled:
			status = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	limit, offset, err := parseLimitOffset(r, 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs := s.jobs.List(status, limit, offset)
	summaries := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, toJobSummary(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries})
}

type jobSummary struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Priority  string     `json:"priority"`
	Targets   int        `json:"targets"`
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Error     string     `json:"error,omitempty"`
}

func toJobSummary(job audit.Job) jobSummary {
	return jobSummary{
		ID:        job.ID,
		Status:    string(job.Status),
		Priority:  job.Priority.String(),
		Targets:   len(job.Targets),
		Submitted: job.Submitted,
		Started:   job.Started,
		Finished:  job.Finished,
		Completed: job.Progress.Completed,
		Failed:    job.Progress.Failed,
		Error:     job.ErrorText,
	}
}

func parsePageLimit(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page := 1
	if raw := q.Get("page"); raw != "" {
		val, err := parsePositiveInt(raw)
		if err != nil {
			return 0, 0, errors.New("invalid page")
		}
		page = val
	}
	limit := 10
	if raw := q.Get("limit"); raw != "" {
		val, err := parsePositiveInt(raw)
		if err != nil {
			return 0, 0, errors.New("invalid limit")
		}
		if val > 100 {
			val = 100
		}
		limit = val
	}
	return page, limit, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := parsePositiveInt(raw)
		if err != nil {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parsePositiveInt(raw string) (int, error) {
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return val, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
