// Package batch drives a job's URL set through bounded-concurrency audit
// batches with progress reporting and memory-pressure back-off.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteaudit/audit-pipeline/internal/audit"
	"github.com/siteaudit/audit-pipeline/internal/executor"
	"github.com/siteaudit/audit-pipeline/internal/metrics"
	"github.com/siteaudit/audit-pipeline/internal/progress"
)

// Config controls Runner behavior.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	MemoryLimit    uint64
	CacheWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.CacheWindow <= 0 {
		c.CacheWindow = time.Hour
	}
	return c
}

// MemoryGovernor samples memory usage and reclaims bookkeeping under
// pressure. Cleanup is advisory; the runner proceeds regardless.
type MemoryGovernor interface {
	Usage() uint64
	Cleanup(ctx context.Context)
}

// ErrCancelled reports a cooperative stop between batches after a
// cancellation request.
var ErrCancelled = errors.New("job cancelled")

// Callbacks are the per-job hooks supplied by the caller.
type Callbacks struct {
	// OnProgress is invoked after every completed item with fresh counters.
	OnProgress func(p audit.JobProgress)
	// OnBatchComplete streams a batch's successful results before the next
	// batch starts.
	OnBatchComplete func(results []audit.PageAudit, batchIndex int)
	// Cancelled reports a pending cancellation request. It is consulted
	// only between batches; the in-flight batch always runs to completion.
	Cancelled func() bool
}

// Runner executes whole-website audits batch by batch.
type Runner struct {
	cfg        Config
	discoverer audit.Discoverer
	auditFn    audit.AuditFunc
	cache      audit.ResultCache
	scores     audit.ScoreStore
	governor   MemoryGovernor
	hub        progress.Emitter
	clock      audit.Clock
	logger     *zap.Logger
}

// New constructs a Runner. The discoverer, cache, score store, governor,
// and hub are optional; the audit function is not.
func New(
	cfg Config,
	discoverer audit.Discoverer,
	auditFn audit.AuditFunc,
	cache audit.ResultCache,
	scores audit.ScoreStore,
	governor MemoryGovernor,
	hub progress.Emitter,
	clock audit.Clock,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg.withDefaults(),
		discoverer: discoverer,
		auditFn:    auditFn,
		cache:      cache,
		scores:     scores,
		governor:   governor,
		hub:        hub,
		clock:      clock,
		logger:     logger,
	}
}

// Run audits the job's targets and returns every per-URL outcome in
// priority order. Per-item failures are captured in their result slots;
// only structural failures (unusable seed, admission of new work after
// cancellation) surface as the returned error, alongside whatever results
// accumulated before the stop.
func (r *Runner) Run(ctx context.Context, job audit.Job, cb Callbacks) ([]audit.PageAudit, error) {
	opts := job.Options
	targets, err := r.resolveTargets(ctx, job)
	if err != nil {
		return nil, err
	}

	total := len(targets)
	totalBatches := (total + r.batchSize(opts) - 1) / r.batchSize(opts)

	state := &runState{
		job:          job,
		total:        total,
		totalBatches: totalBatches,
	}

	if total == 0 {
		// Nothing to do; still report a terminal zero-total update.
		r.reportProgress(state, cb)
		return nil, nil
	}

	results := make([]audit.PageAudit, 0, total)
	batchSize := r.batchSize(opts)
	limit := r.concurrency(opts)

	for batchIdx := 0; batchIdx*batchSize < total; batchIdx++ {
		if ctx.Err() != nil {
			return results, fmt.Errorf("job %s stopped between batches: %w", job.ID, ctx.Err())
		}
		if cb.Cancelled != nil && cb.Cancelled() {
			return results, fmt.Errorf("job %s stopped between batches: %w", job.ID, ErrCancelled)
		}

		r.relieveMemoryPressure(ctx, job.ID)

		start := batchIdx * batchSize
		end := min(start+batchSize, total)
		state.setBatch(batchIdx + 1)

		batchStart := time.Now()
		outcome, runErr := executor.Run(ctx, targets[start:end], limit,
			func(ctx context.Context, url string) (audit.PageAudit, error) {
				page := r.auditOne(ctx, job, url)
				state.record(page)
				r.reportProgress(state, cb)
				r.emitItemDone(state, page)
				return page, nil
			}, nil)

		batchResults := make([]audit.PageAudit, 0, len(outcome))
		succeeded := make([]audit.PageAudit, 0, len(outcome))
		for _, res := range outcome {
			if res.Err != nil {
				// Unstarted slot after cancellation; no result to record.
				continue
			}
			batchResults = append(batchResults, res.Value)
			if !res.Value.Failed() {
				succeeded = append(succeeded, res.Value)
			}
		}
		results = append(results, batchResults...)

		metrics.ObserveBatch(time.Since(batchStart))
		r.emitBatchDone(state, batchIdx+1, time.Since(batchStart))
		if cb.OnBatchComplete != nil && len(succeeded) > 0 {
			cb.OnBatchComplete(succeeded, batchIdx+1)
		}

		if runErr != nil {
			return results, fmt.Errorf("job %s batch %d interrupted: %w", job.ID, batchIdx+1, runErr)
		}
	}
	return results, nil
}

// resolveTargets merges the job's provided targets with discovered URLs and
// orders the combined set by audit priority.
func (r *Runner) resolveTargets(ctx context.Context, job audit.Job) ([]string, error) {
	targets := audit.DedupeTargets(job.Targets)
	if len(targets) == 0 {
		return nil, nil
	}
	maxPages := job.Options.MaxPages
	if maxPages < 1 {
		return nil, fmt.Errorf("job %s has invalid max_pages %d", job.ID, maxPages)
	}

	if r.discoverer != nil && len(targets) < maxPages {
		discovered, err := r.discoverer.Discover(ctx, targets[0], maxPages)
		if err != nil {
			return nil, fmt.Errorf("discover targets for %s: %w", targets[0], err)
		}
		targets = audit.DedupeTargets(append(targets, discovered...))
	}
	if len(targets) > maxPages {
		targets = targets[:maxPages]
	}
	audit.SortByPriority(targets)
	return targets, nil
}

// auditOne produces a PageAudit for a single URL. Failures are captured in
// the result, never returned.
func (r *Runner) auditOne(ctx context.Context, job audit.Job, url string) audit.PageAudit {
	if job.Options.UseCache {
		if page, ok := r.lookupCache(ctx, url); ok {
			metrics.ObservePage("cached", url)
			return page
		}
	}

	start := time.Now()
	combined, err := r.auditFn(ctx, url)
	page := audit.PageAudit{
		URL:        url,
		AuditedAt:  r.now(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		page.Err = err.Error()
		metrics.ObservePage("failed", url)
		r.logger.Warn("page audit failed",
			zap.String("job_id", job.ID),
			zap.String("url", url),
			zap.Error(err),
		)
		return page
	}
	page.Combined = combined
	page.Score = combined.Score
	metrics.ObservePage("ok", url)

	if r.cache != nil {
		r.cache.Put(url, page)
	}
	r.persistScore(ctx, job.ID, page)
	return page
}

func (r *Runner) lookupCache(ctx context.Context, url string) (audit.PageAudit, bool) {
	if r.cache != nil {
		if page, ok := r.cache.Get(url); ok {
			metrics.ObserveCacheLookup(true)
			cached := *page
			cached.FromCache = true
			return cached, true
		}
	}
	if r.scores != nil {
		record, err := r.scores.Recent(ctx, url, r.cfg.CacheWindow)
		if err == nil && record != nil {
			metrics.ObserveCacheLookup(true)
			return pageFromRecord(*record), true
		}
	}
	metrics.ObserveCacheLookup(false)
	return audit.PageAudit{}, false
}

// persistScore is best-effort; a store failure is logged and the page
// result stands.
func (r *Runner) persistScore(ctx context.Context, jobID string, page audit.PageAudit) {
	if r.scores == nil {
		return
	}
	payload, err := json.Marshal(page.Combined)
	if err != nil {
		r.logger.Warn("marshal combined result", zap.String("url", page.URL), zap.Error(err))
		return
	}
	record := audit.ScoreRecord{
		ID:        fmt.Sprintf("%s:%s", jobID, page.URL),
		JobID:     jobID,
		URL:       page.URL,
		Score:     page.Score,
		Quality:   string(page.Combined.DataQuality),
		Payload:   payload,
		AuditedAt: page.AuditedAt,
	}
	if err := r.scores.Save(ctx, record); err != nil {
		r.logger.Warn("persist score record failed",
			zap.String("job_id", jobID),
			zap.String("url", page.URL),
			zap.Error(err),
		)
	}
}

func (r *Runner) relieveMemoryPressure(ctx context.Context, jobID string) {
	if r.governor == nil || r.cfg.MemoryLimit == 0 {
		return
	}
	usage := r.governor.Usage()
	if usage <= r.cfg.MemoryLimit {
		return
	}
	r.logger.Info("memory limit exceeded, running cleanup",
		zap.String("job_id", jobID),
		zap.Uint64("usage", usage),
		zap.Uint64("limit", r.cfg.MemoryLimit),
	)
	r.governor.Cleanup(ctx)
}

func (r *Runner) reportProgress(state *runState, cb Callbacks) {
	p := state.progress(r.memoryUsage())
	if cb.OnProgress != nil {
		cb.OnProgress(p)
	}
}

func (r *Runner) emitItemDone(state *runState, page audit.PageAudit) {
	if r.hub == nil {
		return
	}
	p := state.progress(0)
	r.hub.Emit(progress.Event{
		JobID:        state.job.ID,
		TS:           r.now(),
		Stage:        progress.StageItemDone,
		URL:          page.URL,
		Completed:    p.Completed,
		Failed:       p.Failed,
		Total:        p.Total,
		Batch:        p.CurrentBatch,
		TotalBatches: p.TotalBatches,
		Dur:          time.Duration(page.DurationMs) * time.Millisecond,
		ETA:          p.ETA,
		Note:         page.Err,
	})
}

func (r *Runner) emitBatchDone(state *runState, batchIdx int, dur time.Duration) {
	if r.hub == nil {
		return
	}
	p := state.progress(0)
	r.hub.Emit(progress.Event{
		JobID:        state.job.ID,
		TS:           r.now(),
		Stage:        progress.StageBatchDone,
		Completed:    p.Completed,
		Failed:       p.Failed,
		Total:        p.Total,
		Batch:        batchIdx,
		TotalBatches: p.TotalBatches,
		Dur:          dur,
	})
}

func (r *Runner) memoryUsage() uint64 {
	if r.governor == nil {
		return 0
	}
	return r.governor.Usage()
}

func (r *Runner) batchSize(opts audit.JobOptions) int {
	if opts.BatchSize > 0 {
		return opts.BatchSize
	}
	return r.cfg.BatchSize
}

func (r *Runner) concurrency(opts audit.JobOptions) int {
	if opts.MaxConcurrency > 0 {
		return opts.MaxConcurrency
	}
	return r.cfg.MaxConcurrency
}

func (r *Runner) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now().UTC()
}

func pageFromRecord(record audit.ScoreRecord) audit.PageAudit {
	page := audit.PageAudit{
		URL:       record.URL,
		Score:     record.Score,
		FromCache: true,
		AuditedAt: record.AuditedAt,
	}
	if len(record.Payload) > 0 {
		var combined audit.CombinedResult
		if err := json.Unmarshal(record.Payload, &combined); err == nil {
			page.Combined = &combined
		}
	}
	return page
}

// runState tracks per-run counters shared between concurrent item workers.
type runState struct {
	mu           sync.Mutex
	job          audit.Job
	total        int
	totalBatches int
	currentBatch int
	completed    int
	failed       int
	totalLatency time.Duration
}

func (s *runState) setBatch(n int) {
	s.mu.Lock()
	s.currentBatch = n
	s.mu.Unlock()
}

func (s *runState) record(page audit.PageAudit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page.Failed() {
		s.failed++
	} else {
		s.completed++
	}
	s.totalLatency += time.Duration(page.DurationMs) * time.Millisecond
}

// progress snapshots the counters, estimating remaining time from the
// running average item latency.
func (s *runState) progress(memory uint64) audit.JobProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := s.completed + s.failed
	var eta time.Duration
	if done > 0 {
		avg := s.totalLatency / time.Duration(done)
		eta = avg * time.Duration(s.total-done)
	}
	return audit.JobProgress{
		Total:        s.total,
		Completed:    s.completed,
		Failed:       s.failed,
		CurrentBatch: s.currentBatch,
		TotalBatches: s.totalBatches,
		ETA:          eta,
		MemoryBytes:  memory,
	}
}
