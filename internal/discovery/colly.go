package discovery

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollectorConfig controls the colly-backed strategies.
type CollectorConfig struct {
	UserAgent  string
	Timeout    time.Duration
	CrawlDepth int
}

func (c CollectorConfig) withDefaults() CollectorConfig {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.CrawlDepth <= 0 {
		c.CrawlDepth = 2
	}
	return c
}

// NavStrategy collects anchor hrefs from the seed page itself, catching the
// site's primary navigation without crawling deeper.
type NavStrategy struct {
	cfg CollectorConfig
}

// NewNavStrategy builds a NavStrategy.
func NewNavStrategy(cfg CollectorConfig) *NavStrategy {
	return &NavStrategy{cfg: cfg.withDefaults()}
}

// Name implements Strategy.
func (s *NavStrategy) Name() string { return "navigation" }

// Discover visits only the seed page and returns its same-host links.
func (s *NavStrategy) Discover(ctx context.Context, seed string, limit int) ([]string, error) {
	return collectLinks(ctx, seed, limit, 1, s.cfg)
}

// CrawlStrategy performs a shallow bounded crawl from the seed, used as the
// last resort when the sitemap and navigation strategies came up short.
type CrawlStrategy struct {
	cfg CollectorConfig
}

// NewCrawlStrategy builds a CrawlStrategy.
func NewCrawlStrategy(cfg CollectorConfig) *CrawlStrategy {
	return &CrawlStrategy{cfg: cfg.withDefaults()}
}

// Name implements Strategy.
func (s *CrawlStrategy) Name() string { return "crawl" }

// Discover crawls up to the configured depth, visiting at most limit pages.
func (s *CrawlStrategy) Discover(ctx context.Context, seed string, limit int) ([]string, error) {
	return collectLinks(ctx, seed, limit, s.cfg.CrawlDepth, s.cfg)
}

func collectLinks(ctx context.Context, seed string, limit, depth int, cfg CollectorConfig) ([]string, error) {
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	collector := colly.NewCollector(
		colly.MaxDepth(depth),
		colly.AllowedDomains(seedURL.Hostname()),
	)
	if cfg.UserAgent != "" {
		collector.UserAgent = cfg.UserAgent
	}
	collector.SetRequestTimeout(cfg.Timeout)

	var (
		mu    sync.Mutex
		found []string
	)

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		mu.Lock()
		full := len(found) >= limit
		if !full {
			found = append(found, link)
		}
		mu.Unlock()
		if full || depth <= 1 {
			return
		}
		// Deeper visits are best-effort; colly enforces MaxDepth.
		_ = e.Request.Visit(link)
	})

	if err := collector.Visit(seed); err != nil {
		return nil, fmt.Errorf("visit seed: %w", err)
	}
	collector.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}
