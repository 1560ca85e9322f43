package health

import (
	"context"
	"sync"
	"time"
)

// scanFunc matches Scanner.Scan; injectable for tests.
type scanFunc func(ctx context.Context, workspaceID string) (*Report, error)

type cacheEntry struct {
	report  *Report
	expires time.Time
}

// Cache memoizes reports per workspace. Unhealthy reports expire on a
// shorter TTL so recovery shows up quickly.
type Cache struct {
	scan     scanFunc
	ttl      time.Duration
	errorTTL time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache wraps a scanner with TTL memoization.
func NewCache(s *Scanner, ttl, errorTTL time.Duration) *Cache {
	return &Cache{
		scan:     s.Scan,
		ttl:      ttl,
		errorTTL: errorTTL,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  map[string]cacheEntry{},
	}
}

// Report returns the cached report for the workspace, scanning on miss or
// expiry. Cached copies are marked in meta.
func (c *Cache) Report(ctx context.Context, workspaceID string) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[workspaceID]; ok && now.Before(e.expires) {
		copied := *e.report
		copied.Meta.Cached = true
		return &copied, nil
	}

	r, err := c.scan(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	ttl := c.ttl
	if r.Summary.HealthSummary != StatusOK {
		ttl = c.errorTTL
	}
	c.entries[workspaceID] = cacheEntry{report: r, expires: now.Add(ttl)}
	return r, nil
}
