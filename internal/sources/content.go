package sources

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"

	"github.com/siteaudit/audit-pipeline/internal/aggregate"
	"github.com/siteaudit/audit-pipeline/internal/audit"
)

// NewContentScan builds the on-page content source. It walks the target
// with colly and scores basic markup hygiene: title and meta description
// present, one h1, images carrying alt text.
func NewContentScan(cfg Config) aggregate.Source {
	cfg = cfg.withDefaults()
	return aggregate.Source{
		Name: "content",
		Call: func(ctx context.Context, target string) (*audit.SourcePayload, error) {
			var (
				mu        sync.Mutex
				title     string
				metaDesc  string
				h1Count   int
				links     int
				images    int
				missedAlt int
				fetchErr  error
			)

			c := colly.NewCollector()
			c.UserAgent = cfg.UserAgent
			c.SetRequestTimeout(cfg.Timeout)
			c.OnRequest(func(r *colly.Request) {
				if ctx.Err() != nil {
					r.Abort()
				}
			})
			c.OnHTML("title", func(e *colly.HTMLElement) {
				mu.Lock()
				if title == "" {
					title = strings.TrimSpace(e.Text)
				}
				mu.Unlock()
			})
			c.OnHTML(`meta[name="description"]`, func(e *colly.HTMLElement) {
				mu.Lock()
				if metaDesc == "" {
					metaDesc = strings.TrimSpace(e.Attr("content"))
				}
				mu.Unlock()
			})
			c.OnHTML("h1", func(*colly.HTMLElement) {
				mu.Lock()
				h1Count++
				mu.Unlock()
			})
			c.OnHTML("a[href]", func(*colly.HTMLElement) {
				mu.Lock()
				links++
				mu.Unlock()
			})
			c.OnHTML("img", func(e *colly.HTMLElement) {
				mu.Lock()
				images++
				if strings.TrimSpace(e.Attr("alt")) == "" {
					missedAlt++
				}
				mu.Unlock()
			})
			c.OnError(func(_ *colly.Response, err error) {
				mu.Lock()
				fetchErr = err
				mu.Unlock()
			})

			if err := c.Visit(target); err != nil {
				return nil, fmt.Errorf("scan %s: %w", target, err)
			}
			c.Wait()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if fetchErr != nil {
				return nil, fmt.Errorf("scan %s: %w", target, fetchErr)
			}

			score := contentScore(title, metaDesc, h1Count, images, missedAlt)
			return &audit.SourcePayload{
				Score:   &score,
				Title:   title,
				Summary: headerSummary(title, links, images),
				Metrics: map[string]float64{
					"h1_count":      float64(h1Count),
					"link_count":    float64(links),
					"image_count":   float64(images),
					"images_no_alt": float64(missedAlt),
					"has_title":     boolMetric(title != ""),
					"has_meta_desc": boolMetric(metaDesc != ""),
					"title_length":  float64(len(title)),
					"desc_length":   float64(len(metaDesc)),
				},
			}, nil
		},
	}
}

func contentScore(title, metaDesc string, h1Count, images, missedAlt int) float64 {
	score := 100.0
	if title == "" {
		score -= 25
	}
	if metaDesc == "" {
		score -= 15
	}
	if h1Count == 0 {
		score -= 15
	} else if h1Count > 1 {
		score -= 10
	}
	if images > 0 && missedAlt > 0 {
		score -= 20 * float64(missedAlt) / float64(images)
	}
	if score < 0 {
		score = 0
	}
	return score
}
