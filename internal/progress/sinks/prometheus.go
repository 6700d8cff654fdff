package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/siteaudit/audit-pipeline/internal/progress"
)

// PrometheusSink exports audit progress metrics via Prometheus. It owns all
// collectors for jobs started/completed/running and per-item counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	itemsTotal   *prometheus.CounterVec
	batchesTotal prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_progress_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_progress_jobs_completed_total",
			Help: "Total jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_progress_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_progress_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_progress_items_total",
			Help: "Item completions partitioned by result.",
		}, []string{"result"}),
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_progress_batches_total",
			Help: "Total batches completed.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.itemsTotal,
		s.batchesTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.finishJob(evt, "completed")
	case progress.StageJobError:
		s.finishJob(evt, "failed")
	case progress.StageJobCancelled:
		s.finishJob(evt, "cancelled")
	case progress.StageItemDone:
		result := "ok"
		if evt.Note != "" {
			result = "failed"
		}
		s.itemsTotal.WithLabelValues(result).Inc()
	case progress.StageBatchDone:
		s.batchesTotal.Inc()
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.finish(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker deduplicates start/finish transitions so the running gauge stays
// accurate even when events are replayed.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

func (t *jobTracker) start(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[jobID]; ok {
		return false
	}
	t.running[jobID] = time.Now()
	return true
}

func (t *jobTracker) finish(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[jobID]; !ok {
		return false
	}
	delete(t.running, jobID)
	return true
}
