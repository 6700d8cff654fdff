package audit

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicate audit targets.
// It lowercases the scheme and host, removes default ports and fragments,
// and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// importantPaths are path prefixes audited ahead of the long tail.
var importantPaths = []string{
	"/about", "/contact", "/pricing", "/products", "/services",
	"/blog", "/docs", "/faq",
}

// URLPriority scores a target for processing order. The home page ranks
// highest, recognized important paths next, and shorter paths are slightly
// favored over deep ones.
func URLPriority(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		return 1000
	}
	score := 0
	lower := strings.ToLower(path)
	for _, p := range importantPaths {
		if strings.HasPrefix(lower, p) {
			score += 500
			break
		}
	}
	depth := strings.Count(path, "/")
	score += 100 - 10*depth
	if len(path) < 40 {
		score += 40 - len(path)
	}
	return score
}

// SortByPriority orders targets by descending URLPriority. Equal-priority
// targets keep their discovery order.
func SortByPriority(targets []string) {
	sort.SliceStable(targets, func(i, j int) bool {
		return URLPriority(targets[i]) > URLPriority(targets[j])
	})
}

// DedupeTargets normalizes and deduplicates targets, preserving first
// occurrence order. Targets that fail to parse are kept verbatim so the
// audit itself can report the failure.
func DedupeTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		norm, err := NormalizeURL(t)
		if err != nil {
			norm = t
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}
