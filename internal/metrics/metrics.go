// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditJobsTotal            *prometheus.CounterVec
	auditPagesTotal           *prometheus.CounterVec
	auditBatchDurationSeconds prometheus.Histogram
	auditSourceLatencySeconds *prometheus.HistogramVec
	auditQueueDepth           prometheus.Gauge
	auditActiveJobs           prometheus.Gauge
	auditCacheHitsTotal       *prometheus.CounterVec
	auditPagesBySiteTotal     *prometheus.CounterVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		auditJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_jobs_total",
				Help: "Total number of audit jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		auditPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_pages_total",
				Help: "Total number of page audits, labeled by result.",
			},
			[]string{"result"},
		)

		auditBatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audit_batch_duration_seconds",
				Help:    "Histogram of wall time per processed batch.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		auditSourceLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_source_latency_seconds",
				Help:    "Histogram of data source call latencies, labeled by source and outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source", "outcome"},
		)

		auditQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_queue_depth",
				Help: "Number of jobs waiting for admission.",
			},
		)

		auditActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_active_jobs",
				Help: "Number of jobs currently processing.",
			},
		)

		auditCacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_cache_hits_total",
				Help: "Cache lookups during page audits, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		auditPagesBySiteTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_pages_by_site_total",
				Help: "Page audits per site hostname.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_http_requests_total",
				Help: "Total HTTP requests served by the API, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_http_request_duration_seconds",
				Help:    "Histogram of API request durations, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a job reaching a terminal status.
func ObserveJob(status string) {
	Init()
	auditJobsTotal.WithLabelValues(status).Inc()
}

// ObservePage records one page audit outcome ("ok", "failed", "cached")
// and counts it against the target's hostname.
func ObservePage(result, targetURL string) {
	Init()
	auditPagesTotal.WithLabelValues(result).Inc()
	auditPagesBySiteTotal.WithLabelValues(SanitizeSite(targetURL)).Inc()
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBatch records the wall time of one processed batch.
func ObserveBatch(d time.Duration) {
	Init()
	auditBatchDurationSeconds.Observe(d.Seconds())
}

// ObserveSource records one data source call.
func ObserveSource(source, outcome string, d time.Duration) {
	Init()
	auditSourceLatencySeconds.WithLabelValues(source, outcome).Observe(d.Seconds())
}

// SetQueueDepth updates the queued-job gauge.
func SetQueueDepth(n int) {
	Init()
	auditQueueDepth.Set(float64(n))
}

// SetActiveJobs updates the processing-job gauge.
func SetActiveJobs(n int) {
	Init()
	auditActiveJobs.Set(float64(n))
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	if hit {
		auditCacheHitsTotal.WithLabelValues("hit").Inc()
		return
	}
	auditCacheHitsTotal.WithLabelValues("miss").Inc()
}
