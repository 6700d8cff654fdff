package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const maxSitemapBytes = 8 << 20

// SitemapStrategy fetches /sitemap.xml from the seed's host and extracts
// <loc> entries. Index sitemaps are followed one level deep.
type SitemapStrategy struct {
	client    *http.Client
	userAgent string
}

// NewSitemapStrategy builds a SitemapStrategy. A nil client gets a default
// with a 15s timeout.
func NewSitemapStrategy(client *http.Client, userAgent string) *SitemapStrategy {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SitemapStrategy{client: client, userAgent: userAgent}
}

// Name implements Strategy.
func (s *SitemapStrategy) Name() string { return "sitemap" }

type sitemapDoc struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapLoc `xml:"url"`
}

type sitemapIndexDoc struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// Discover fetches and parses the seed host's sitemap.
func (s *SitemapStrategy) Discover(ctx context.Context, seed string, limit int) ([]string, error) {
	u, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	sitemapURL := fmt.Sprintf("%s://%s/sitemap.xml", u.Scheme, u.Host)

	body, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	urls, isIndex, err := parseSitemap(body)
	if err != nil {
		return nil, err
	}
	if !isIndex {
		return capURLs(urls, limit), nil
	}

	// Index sitemap: walk the child sitemaps until the limit is met.
	var found []string
	for _, child := range urls {
		if len(found) >= limit {
			break
		}
		childBody, err := s.fetch(ctx, child)
		if err != nil {
			continue
		}
		childURLs, childIsIndex, err := parseSitemap(childBody)
		if err != nil || childIsIndex {
			continue
		}
		found = append(found, childURLs...)
	}
	return capURLs(found, limit), nil
}

func (s *SitemapStrategy) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build sitemap request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("read sitemap body: %w", err)
	}
	return body, nil
}

func parseSitemap(body []byte) (urls []string, isIndex bool, err error) {
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err == nil && len(doc.URLs) > 0 {
		for _, loc := range doc.URLs {
			if loc.Loc != "" {
				urls = append(urls, loc.Loc)
			}
		}
		return urls, false, nil
	}

	var index sitemapIndexDoc
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		for _, loc := range index.Sitemaps {
			if loc.Loc != "" {
				urls = append(urls, loc.Loc)
			}
		}
		return urls, true, nil
	}
	return nil, false, fmt.Errorf("unrecognized sitemap format")
}

func capURLs(urls []string, limit int) []string {
	if limit > 0 && len(urls) > limit {
		return urls[:limit]
	}
	return urls
}
