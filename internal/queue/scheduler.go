// Package queue decouples audit job submission from processing. It owns the
// ordered job list, the processing set, and the url-result cache, and admits
// jobs under an adaptive concurrency ceiling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteaudit/audit-pipeline/internal/audit"
	"github.com/siteaudit/audit-pipeline/internal/batch"
	"github.com/siteaudit/audit-pipeline/internal/metrics"
	"github.com/siteaudit/audit-pipeline/internal/progress"
)

// Config controls Scheduler behavior.
type Config struct {
	// PollInterval is the maintenance loop cadence. A completing job does
	// not wake the loop; worst-case admission latency is one interval.
	PollInterval time.Duration
	// MinActive and MaxActive bound the adaptive concurrency ceiling.
	MinActive int
	MaxActive int
	// DepthPerSlot adds one concurrency slot per this many queued jobs.
	DepthPerSlot int
	// CacheTTL and CacheMaxEntries bound the url-result cache.
	CacheTTL        time.Duration
	CacheMaxEntries int
	// RetainFinished is how long terminal jobs are kept before pruning.
	RetainFinished time.Duration
	// PublishTopic, when set, receives a message per terminal job.
	PublishTopic string
	// ArchivePrefix prefixes blob paths for archived reports.
	ArchivePrefix string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MinActive <= 0 {
		c.MinActive = 1
	}
	if c.MaxActive < c.MinActive {
		c.MaxActive = c.MinActive
	}
	if c.DepthPerSlot <= 0 {
		c.DepthPerSlot = 5
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 10000
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = 24 * time.Hour
	}
	return c
}

// RunnerFunc executes one job's batches; satisfied by (*batch.Runner).Run.
type RunnerFunc func(ctx context.Context, job audit.Job, cb batch.Callbacks) ([]audit.PageAudit, error)

type cacheEntry struct {
	page     audit.PageAudit
	storedAt time.Time
}

// Scheduler is the single owner of queue state. Public methods and the
// maintenance loop serialize every mutation behind one mutex; readers get
// snapshots.
type Scheduler struct {
	cfg       Config
	runner    RunnerFunc
	jobStore  audit.JobStore
	publisher audit.Publisher
	archive   audit.BlobStore
	hub       progress.Emitter
	clock     audit.Clock
	idGen     audit.IDGenerator
	logger    *zap.Logger

	mu      sync.Mutex
	pending []*audit.Job
	jobs    map[string]*audit.Job
	active  map[string]context.CancelFunc
	cache   map[string]cacheEntry

	wg sync.WaitGroup
}

// New constructs a Scheduler. The runner, clock, and idGen are required;
// jobStore, publisher, archive, and hub are optional collaborators.
func New(
	cfg Config,
	runner RunnerFunc,
	jobStore audit.JobStore,
	publisher audit.Publisher,
	archive audit.BlobStore,
	hub progress.Emitter,
	clock audit.Clock,
	idGen audit.IDGenerator,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		runner:    runner,
		jobStore:  jobStore,
		publisher: publisher,
		archive:   archive,
		hub:       hub,
		clock:     clock,
		idGen:     idGen,
		logger:    logger,
		jobs:      make(map[string]*audit.Job),
		active:    make(map[string]context.CancelFunc),
		cache:     make(map[string]cacheEntry),
	}
}

// Enqueue validates and admits a new job in queued state, returning its ID
// without blocking on processing. Equal-priority jobs keep FIFO order.
func (s *Scheduler) Enqueue(
	ctx context.Context,
	targets []string,
	priority audit.Priority,
	opts audit.JobOptions,
) (string, error) {
	deduped := audit.DedupeTargets(targets)
	if len(deduped) == 0 {
		return "", errors.New("at least one target URL is required")
	}
	if opts.MaxPages <= 0 {
		return "", fmt.Errorf("max_pages must be >= 1, got %d", opts.MaxPages)
	}
	if opts.MaxConcurrency < 0 || opts.BatchSize < 0 {
		return "", errors.New("max_concurrency and batch_size must not be negative")
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := &audit.Job{
		ID:        jobID,
		Targets:   deduped,
		Priority:  priority,
		Options:   opts,
		Status:    audit.JobStatusQueued,
		Submitted: now,
	}

	s.mu.Lock()
	s.jobs[jobID] = job
	s.insertPendingLocked(job)
	depth := len(s.pending)
	s.mu.Unlock()

	metrics.SetQueueDepth(depth)
	s.persist(ctx, *job)
	s.emit(progress.Event{JobID: jobID, TS: now, Stage: progress.StageJobQueued, Total: len(deduped)})
	s.logger.Info("job enqueued",
		zap.String("job_id", jobID),
		zap.String("priority", priority.String()),
		zap.Int("targets", len(deduped)),
	)
	return jobID, nil
}

// insertPendingLocked places the job after the last entry with priority >=
// its own, giving priority order with stable FIFO ties.
func (s *Scheduler) insertPendingLocked(job *audit.Job) {
	idx := len(s.pending)
	for i, queued := range s.pending {
		if queued.Priority < job.Priority {
			idx = i
			break
		}
	}
	s.pending = append(s.pending, nil)
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = job
}

// Status returns a snapshot of the job, or false if it is unknown.
func (s *Scheduler) Status(jobID string) (audit.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.Job{}, false
	}
	return snapshotJob(job), true
}

// Cancel stops a job. Queued jobs leave the queue immediately; processing
// jobs finish their current batch and stop admitting new ones. Returns
// false for unknown or already-terminal jobs.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	now := s.clock.Now()
	switch job.Status {
	case audit.JobStatusQueued:
		s.removePendingLocked(jobID)
		job.Status = audit.JobStatusCancelled
		job.Finished = &now
		snapshot := snapshotJob(job)
		depth := len(s.pending)
		s.mu.Unlock()

		metrics.SetQueueDepth(depth)
		metrics.ObserveJob(string(audit.JobStatusCancelled))
		s.persist(ctx, snapshot)
		s.emit(progress.Event{JobID: jobID, TS: now, Stage: progress.StageJobCancelled})
		s.logger.Info("queued job cancelled", zap.String("job_id", jobID))
		return true
	case audit.JobStatusProcessing:
		// Flag only. The run goroutine observes the flag between batches
		// and lets the in-flight batch finish; the job context is fired
		// solely on scheduler shutdown.
		job.Status = audit.JobStatusCancelled
		s.mu.Unlock()

		s.logger.Info("processing job flagged cancelled", zap.String("job_id", jobID))
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

func (s *Scheduler) removePendingLocked(jobID string) {
	for i, job := range s.pending {
		if job.ID == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Results pages through the job's accumulated result sequence. The second
// return is false when the job is unknown or has no results yet.
func (s *Scheduler) Results(jobID string, page, limit int) (audit.ResultPage, bool) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || len(job.Results) == 0 {
		return audit.ResultPage{}, false
	}

	total := len(job.Results)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start >= total {
		return audit.ResultPage{
			Items:        []audit.PageAudit{},
			TotalResults: total,
			CurrentPage:  page,
			TotalPages:   totalPages,
		}, true
	}
	end := min(start+limit, total)
	items := make([]audit.PageAudit, end-start)
	copy(items, job.Results[start:end])
	return audit.ResultPage{
		Items:        items,
		TotalResults: total,
		CurrentPage:  page,
		TotalPages:   totalPages,
		HasMore:      end < total,
	}, true
}

// Run drives the maintenance loop until ctx finishes, then cancels active
// jobs and waits for them to wind down.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.maintain(ctx)
		}
	}
}

// maintain runs one maintenance pass: bookkeeping cleanup followed by
// admission up to the adaptive ceiling.
func (s *Scheduler) maintain(ctx context.Context) {
	s.mu.Lock()
	s.evictCacheLocked()
	s.pruneJobsLocked()

	ceiling := s.adaptiveCeilingLocked()
	var admitted []*audit.Job
	for len(s.active) < ceiling && len(s.pending) > 0 {
		job := s.pending[0]
		s.pending = s.pending[1:]

		now := s.clock.Now()
		job.Status = audit.JobStatusProcessing
		job.Started = &now

		jobCtx, cancel := context.WithCancel(ctx)
		s.active[job.ID] = cancel
		s.wg.Add(1)
		go s.process(jobCtx, job.ID, snapshotJob(job))
		admitted = append(admitted, job)
	}
	depth := len(s.pending)
	activeCount := len(s.active)
	s.mu.Unlock()

	metrics.SetQueueDepth(depth)
	metrics.SetActiveJobs(activeCount)
	if len(admitted) > 0 {
		s.logger.Debug("admission pass",
			zap.Int("admitted", len(admitted)),
			zap.Int("ceiling", ceiling),
			zap.Int("queued", depth),
		)
	}
}

// adaptiveCeilingLocked derives the concurrency ceiling from queue depth:
// one extra slot per DepthPerSlot queued jobs, clamped to [MinActive,
// MaxActive]. The formula is policy, not contract.
func (s *Scheduler) adaptiveCeilingLocked() int {
	ceiling := s.cfg.MinActive + len(s.pending)/s.cfg.DepthPerSlot
	if ceiling > s.cfg.MaxActive {
		ceiling = s.cfg.MaxActive
	}
	return ceiling
}

// process runs one admitted job to a terminal state. The start event is
// emitted here so it always precedes the terminal one.
func (s *Scheduler) process(ctx context.Context, jobID string, job audit.Job) {
	defer s.wg.Done()

	s.persist(ctx, job)
	s.emit(progress.Event{
		JobID: jobID,
		TS:    *job.Started,
		Stage: progress.StageJobStart,
		Total: len(job.Targets),
	})
	s.logger.Info("job admitted",
		zap.String("job_id", jobID),
		zap.String("priority", job.Priority.String()),
		zap.Int("targets", len(job.Targets)),
	)

	results, runErr := s.runner(ctx, job, batch.Callbacks{
		OnProgress: func(p audit.JobProgress) {
			s.mu.Lock()
			if j, ok := s.jobs[jobID]; ok {
				j.Progress = p
			}
			s.mu.Unlock()
		},
		OnBatchComplete: func(batchResults []audit.PageAudit, _ int) {
			s.mu.Lock()
			if j, ok := s.jobs[jobID]; ok {
				j.Results = append(j.Results, batchResults...)
			}
			s.mu.Unlock()
		},
		Cancelled: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			j, ok := s.jobs[jobID]
			return ok && j.Status == audit.JobStatusCancelled
		},
	})

	now := s.clock.Now()
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, jobID)

	var stage progress.Stage
	switch {
	case j.Status == audit.JobStatusCancelled ||
		errors.Is(runErr, batch.ErrCancelled) ||
		errors.Is(runErr, context.Canceled):
		// Wind-down write: the finished batches' items stay visible.
		j.Status = audit.JobStatusCancelled
		stage = progress.StageJobCancelled
	case runErr != nil:
		j.Status = audit.JobStatusFailed
		j.ErrorText = runErr.Error()
		stage = progress.StageJobError
	default:
		j.Status = audit.JobStatusCompleted
		stage = progress.StageJobDone
	}
	if len(results) > 0 {
		j.Results = results
	}
	j.Finished = &now
	snapshot := snapshotJob(j)
	activeCount := len(s.active)
	s.mu.Unlock()

	metrics.SetActiveJobs(activeCount)
	metrics.ObserveJob(string(snapshot.Status))

	var dur time.Duration
	if snapshot.Started != nil {
		dur = now.Sub(*snapshot.Started)
	}
	s.emit(progress.Event{
		JobID:     jobID,
		TS:        now,
		Stage:     stage,
		Completed: snapshot.Progress.Completed,
		Failed:    snapshot.Progress.Failed,
		Total:     snapshot.Progress.Total,
		Dur:       dur,
		Note:      snapshot.ErrorText,
	})
	s.persist(context.Background(), snapshot)
	s.publishTerminal(snapshot)
	if snapshot.Status == audit.JobStatusCompleted {
		s.archiveReport(snapshot)
	}
	s.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(snapshot.Status)),
		zap.Int("completed", snapshot.Progress.Completed),
		zap.Int("failed", snapshot.Progress.Failed),
		zap.Duration("dur", dur),
	)
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Usage implements batch.MemoryGovernor using the Go heap as the measure.
func (s *Scheduler) Usage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Cleanup implements batch.MemoryGovernor: evict cache entries and stale
// terminal jobs, then let the runtime reclaim.
func (s *Scheduler) Cleanup(context.Context) {
	s.mu.Lock()
	s.evictCacheLocked()
	s.pruneJobsLocked()
	s.mu.Unlock()
	runtime.GC()
}

// Get implements audit.ResultCache.
func (s *Scheduler) Get(url string) (*audit.PageAudit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[url]
	if !ok {
		return nil, false
	}
	if s.clock.Now().Sub(entry.storedAt) > s.cfg.CacheTTL {
		delete(s.cache, url)
		return nil, false
	}
	page := entry.page
	return &page, true
}

// Put implements audit.ResultCache.
func (s *Scheduler) Put(url string, result audit.PageAudit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[url] = cacheEntry{page: result, storedAt: s.clock.Now()}
	if len(s.cache) > s.cfg.CacheMaxEntries {
		s.evictOldestLocked(len(s.cache) - s.cfg.CacheMaxEntries)
	}
}

func (s *Scheduler) evictCacheLocked() {
	now := s.clock.Now()
	for url, entry := range s.cache {
		if now.Sub(entry.storedAt) > s.cfg.CacheTTL {
			delete(s.cache, url)
		}
	}
	if over := len(s.cache) - s.cfg.CacheMaxEntries; over > 0 {
		s.evictOldestLocked(over)
	}
}

func (s *Scheduler) evictOldestLocked(n int) {
	for range n {
		oldestURL := ""
		var oldestAt time.Time
		for url, entry := range s.cache {
			if oldestURL == "" || entry.storedAt.Before(oldestAt) {
				oldestURL = url
				oldestAt = entry.storedAt
			}
		}
		if oldestURL == "" {
			return
		}
		delete(s.cache, oldestURL)
	}
}

func (s *Scheduler) pruneJobsLocked() {
	now := s.clock.Now()
	for id, job := range s.jobs {
		if !job.Status.Terminal() || job.Finished == nil {
			continue
		}
		if now.Sub(*job.Finished) > s.cfg.RetainFinished {
			delete(s.jobs, id)
		}
	}
}

// persist is best-effort: store failures are logged, never surfaced.
func (s *Scheduler) persist(ctx context.Context, job audit.Job) {
	if s.jobStore == nil {
		return
	}
	var err error
	if job.Started == nil && job.Status == audit.JobStatusQueued {
		err = s.jobStore.CreateJob(ctx, job)
	} else {
		err = s.jobStore.UpdateJob(ctx, job)
	}
	if err != nil {
		s.logger.Warn("job store write failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) publishTerminal(job audit.Job) {
	if s.publisher == nil || s.cfg.PublishTopic == "" {
		return
	}
	payload := map[string]any{
		"job_id":    job.ID,
		"status":    string(job.Status),
		"completed": job.Progress.Completed,
		"failed":    job.Progress.Failed,
		"timestamp": s.clock.Now().Format(time.RFC3339),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.publisher.Publish(ctx, s.cfg.PublishTopic, payload); err != nil {
		s.logger.Warn("publish terminal event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Scheduler) archiveReport(job audit.Job) {
	if s.archive == nil {
		return
	}
	report := audit.JobReport{Job: job, Results: job.Results}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		s.logger.Warn("marshal job report failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s.json", s.cfg.ArchivePrefix, job.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	uri, err := s.archive.PutObject(ctx, path, "application/json", data)
	if err != nil {
		s.logger.Warn("archive job report failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.logger.Info("job report archived", zap.String("job_id", job.ID), zap.String("uri", uri))
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.hub == nil {
		return
	}
	s.hub.Emit(evt)
}

// QueueDepth reports how many jobs await admission.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ActiveCount reports how many jobs are processing.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// List returns retained jobs newest-first, optionally filtered by status,
// windowed by limit and offset.
func (s *Scheduler) List(status *audit.JobStatus, limit, offset int) []audit.Job {
	s.mu.Lock()
	all := make([]audit.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		all = append(all, snapshotJob(job))
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Submitted.Equal(all[j].Submitted) {
			return all[i].Submitted.After(all[j].Submitted)
		}
		return all[i].ID > all[j].ID
	})
	if offset >= len(all) {
		return []audit.Job{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// PendingIDs returns the queued job IDs in admission order.
func (s *Scheduler) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pending))
	for i, job := range s.pending {
		out[i] = job.ID
	}
	return out
}

func snapshotJob(job *audit.Job) audit.Job {
	cp := *job
	cp.Targets = append([]string(nil), job.Targets...)
	cp.Results = append([]audit.PageAudit(nil), job.Results...)
	return cp
}
