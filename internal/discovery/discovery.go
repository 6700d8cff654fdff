// Package discovery expands a seed URL into a set of audit targets using an
// ordered sequence of best-effort strategies.
package discovery

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/siteaudit/audit-pipeline/internal/audit"
)

// Strategy produces candidate URLs for a seed. Strategies are best-effort:
// an error from one strategy never stops the chain.
type Strategy interface {
	Name() string
	Discover(ctx context.Context, seed string, limit int) ([]string, error)
}

// Discoverer runs its strategies in order, accumulating a deduplicated URL
// set and short-circuiting once maxPages is reached. When every strategy
// comes back empty, the seed URL alone is returned.
type Discoverer struct {
	strategies []Strategy
	logger     *zap.Logger
}

// New builds a Discoverer over the given strategies.
func New(logger *zap.Logger, strategies ...Strategy) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{strategies: strategies, logger: logger}
}

// Discover implements audit.Discoverer.
func (d *Discoverer) Discover(ctx context.Context, seed string, maxPages int) ([]string, error) {
	if maxPages < 1 {
		return nil, fmt.Errorf("maxPages must be >= 1, got %d", maxPages)
	}
	normalizedSeed, err := audit.NormalizeURL(seed)
	if err != nil {
		return nil, fmt.Errorf("normalize seed: %w", err)
	}

	seen := map[string]struct{}{normalizedSeed: {}}
	found := []string{normalizedSeed}

	for _, strategy := range d.strategies {
		if len(found) >= maxPages {
			break
		}
		if ctx.Err() != nil {
			break
		}
		urls, err := strategy.Discover(ctx, normalizedSeed, maxPages-len(found))
		if err != nil {
			d.logger.Debug("discovery strategy failed",
				zap.String("strategy", strategy.Name()),
				zap.String("seed", normalizedSeed),
				zap.Error(err),
			)
			continue
		}
		for _, u := range urls {
			if len(found) >= maxPages {
				break
			}
			norm, err := audit.NormalizeURL(u)
			if err != nil {
				continue
			}
			if !sameHost(normalizedSeed, norm) {
				continue
			}
			if _, ok := seen[norm]; ok {
				continue
			}
			seen[norm] = struct{}{}
			found = append(found, norm)
		}
	}
	return found, nil
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() == ub.Hostname()
}
