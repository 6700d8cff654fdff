// Package sources provides the built-in audit sources. Each source fetches
// the target independently and contributes a partial score; external audit
// engines plug in through the same aggregate.Source shape.
package sources

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/siteaudit/audit-pipeline/internal/aggregate"
	"github.com/siteaudit/audit-pipeline/internal/audit"
)

// Config controls the built-in sources.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "site-audit-bot/0.1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

const maxProbeBody = 4 << 20

// NewHTTPProbe builds the reachability source. It scores the target on
// status code and time to full body.
func NewHTTPProbe(cfg Config) aggregate.Source {
	cfg = cfg.withDefaults()
	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newTransport(),
	}
	return aggregate.Source{
		Name: "http",
		Call: func(ctx context.Context, target string) (*audit.SourcePayload, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return nil, fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("User-Agent", cfg.UserAgent)

			start := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", target, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			elapsed := time.Since(start)

			score := scoreStatus(resp.StatusCode) * latencyFactor(elapsed)
			return &audit.SourcePayload{
				Score: &score,
				Metrics: map[string]float64{
					"status_code":      float64(resp.StatusCode),
					"response_ms":      float64(elapsed.Milliseconds()),
					"body_bytes":       float64(len(body)),
					"tls":              boolMetric(resp.TLS != nil),
					"redirected":       boolMetric(resp.Request.URL.String() != target),
					"compressed_reply": boolMetric(resp.Header.Get("Content-Encoding") != ""),
				},
			}, nil
		},
	}
}

func scoreStatus(code int) float64 {
	switch {
	case code >= 200 && code < 300:
		return 100
	case code >= 300 && code < 400:
		return 80
	case code >= 400 && code < 500:
		return 20
	default:
		return 0
	}
}

// latencyFactor discounts slow responses: full credit under 500ms, floor of
// 0.5 at 5s and beyond.
func latencyFactor(d time.Duration) float64 {
	ms := float64(d.Milliseconds())
	switch {
	case ms <= 500:
		return 1
	case ms >= 5000:
		return 0.5
	default:
		return 1 - 0.5*(ms-500)/4500
	}
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Defaults returns the standard source set for the given config.
func Defaults(cfg Config) []aggregate.Source {
	return []aggregate.Source{
		NewHTTPProbe(cfg),
		NewContentScan(cfg),
	}
}

// headerSummary renders a compact summary line for the page, used when no
// other source supplies one.
func headerSummary(title string, links, images int) string {
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
	} else {
		b.WriteString("untitled page")
	}
	fmt.Fprintf(&b, " (%d links, %d images)", links, images)
	return b.String()
}
