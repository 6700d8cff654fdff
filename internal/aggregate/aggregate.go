// Package aggregate composes one usable audit result from several
// independent, partially-unreliable data sources.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/siteaudit/audit-pipeline/internal/audit"
	"github.com/siteaudit/audit-pipeline/internal/metrics"
)

// Source is one upstream data provider consulted during aggregation.
type Source struct {
	Name string
	Call func(ctx context.Context, target string) (*audit.SourcePayload, error)
}

// ErrNoSources is returned when aggregation is invoked without sources.
var ErrNoSources = errors.New("no sources configured")

// Aggregator fans a target out to all sources under a shared deadline and
// merges whatever came back in time.
type Aggregator struct {
	deadline time.Duration
	logger   *zap.Logger
}

// New constructs an Aggregator. A non-positive deadline falls back to 10s.
func New(deadline time.Duration, logger *zap.Logger) *Aggregator {
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{deadline: deadline, logger: logger}
}

// Aggregate launches every source concurrently, settles all of them, and
// composes a combined result from the successful subset. With requireAll
// set, any failure rejects the whole call with a composite error naming
// each failed source. A call that outlives the deadline is counted as
// timed out and its eventual resolution is discarded.
func (a *Aggregator) Aggregate(
	ctx context.Context,
	target string,
	sources []Source,
	requireAll bool,
) (*audit.CombinedResult, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	settled := make(chan audit.SourceResult, len(sources))
	for _, src := range sources {
		go a.callSource(ctx, src, target, settled)
	}

	results := make([]audit.SourceResult, 0, len(sources))
	byName := make(map[string]audit.SourceResult, len(sources))
	for range sources {
		r := <-settled
		byName[r.SourceName] = r
		metrics.ObserveSource(r.SourceName, string(r.Status), r.Latency)
	}
	// Re-order to source pass order so the merge is deterministic.
	for _, src := range sources {
		results = append(results, byName[src.Name])
	}

	return a.compose(target, results, requireAll)
}

// callSource runs one source under its own deadline-bounded context. The
// goroutine running the call may outlive the deadline; its result is
// dropped on the floor, never awaited.
func (a *Aggregator) callSource(ctx context.Context, src Source, target string, settled chan<- audit.SourceResult) {
	callCtx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	start := time.Now()
	type outcome struct {
		payload *audit.SourcePayload
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		payload, err := src.Call(callCtx, target)
		ch <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-ch:
		r := audit.SourceResult{
			SourceName: src.Name,
			Latency:    time.Since(start),
		}
		switch {
		case out.err != nil:
			r.Status = audit.SourceFailed
			r.Err = out.err
		case out.payload == nil:
			r.Status = audit.SourceFailed
			r.Err = fmt.Errorf("source %s returned no payload", src.Name)
		default:
			r.Status = audit.SourceSuccess
			r.Payload = out.payload
		}
		settled <- r
	case <-callCtx.Done():
		settled <- audit.SourceResult{
			SourceName: src.Name,
			Status:     audit.SourceTimedOut,
			Err:        fmt.Errorf("source %s: %w", src.Name, callCtx.Err()),
			Latency:    time.Since(start),
		}
	}
}

func (a *Aggregator) compose(
	target string,
	results []audit.SourceResult,
	requireAll bool,
) (*audit.CombinedResult, error) {
	combined := &audit.CombinedResult{
		DataSources: make(map[string]bool, len(results)),
		Latencies:   make(map[string]time.Duration, len(results)),
	}

	var scores []float64
	successCount := 0
	for _, r := range results {
		combined.Latencies[r.SourceName] = r.Latency
		if r.Status != audit.SourceSuccess {
			combined.DataSources[r.SourceName] = false
			combined.Errors = append(combined.Errors, fmt.Sprintf("%s: %v", r.SourceName, r.Err))
			continue
		}
		successCount++
		combined.DataSources[r.SourceName] = true
		mergePayload(combined, r.Payload)
		if r.Payload.Score != nil {
			scores = append(scores, clampScore(*r.Payload.Score))
		}
	}

	if requireAll && successCount < len(results) {
		return nil, fmt.Errorf("aggregation for %s requires all sources: %s",
			target, strings.Join(combined.Errors, "; "))
	}
	if successCount == 0 {
		return nil, fmt.Errorf("all sources failed for %s: %s",
			target, strings.Join(combined.Errors, "; "))
	}

	if len(scores) > 0 {
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		combined.Score = int(math.Round(sum / float64(len(scores))))
	}

	if successCount == len(results) {
		combined.DataQuality = audit.QualityRealTime
	} else {
		combined.DataQuality = audit.QualityPartial
		a.logger.Debug("partial aggregation",
			zap.String("target", target),
			zap.Int("succeeded", successCount),
			zap.Int("total", len(results)),
		)
	}
	return combined, nil
}

// mergePayload applies first-writer-wins per field, in source pass order.
func mergePayload(dst *audit.CombinedResult, src *audit.SourcePayload) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Summary == "" {
		dst.Summary = src.Summary
	}
	if len(src.Metrics) > 0 {
		if dst.Metrics == nil {
			dst.Metrics = make(map[string]float64, len(src.Metrics))
		}
		for k, v := range src.Metrics {
			if _, ok := dst.Metrics[k]; !ok {
				dst.Metrics[k] = v
			}
		}
	}
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
