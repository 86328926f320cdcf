package collect

import (
	"context"
	"sync"
	"time"

	"github.com/portracker/portracker/internal/core/domain"
)

// CachedCollector memoizes the most recent successful Collect() result
// under cacheTimeoutMs (spec.md §6's "global TTL for upper-layer
// caches"): a request under load reuses the last snapshot instead of
// re-running the whole container/system/platform fan-out. This sits
// above Collector's own per-source TTLs (container list/inspect/stats,
// the resolver's inode map), which stay in effect regardless of this
// setting.
type CachedCollector struct {
	inner    *Collector
	ttl      time.Duration
	disabled bool

	mu      sync.Mutex
	report  *domain.Report
	expires time.Time
}

// NewCached wraps inner with the report-level cache. ttl<=0 or
// disabled=true (mirroring cfg.DisableCache) makes every call fall
// through to inner.Collect.
func NewCached(inner *Collector, ttl time.Duration, disabled bool) *CachedCollector {
	return &CachedCollector{inner: inner, ttl: ttl, disabled: disabled}
}

// Collect returns the memoized report if still fresh, otherwise runs
// inner.Collect and, on success, stores the result. A Fatal result is
// never memoized, so the next call retries immediately rather than
// repeating a known-bad snapshot for the rest of the TTL window.
func (c *CachedCollector) Collect(ctx context.Context) (*domain.Report, error) {
	if !c.disabled && c.ttl > 0 {
		c.mu.Lock()
		if c.report != nil && time.Now().Before(c.expires) {
			report := c.report
			c.mu.Unlock()
			return report, nil
		}
		c.mu.Unlock()
	}

	report, err := c.inner.Collect(ctx)
	if err != nil {
		return report, err
	}

	if !c.disabled && c.ttl > 0 {
		c.mu.Lock()
		c.report = report
		c.expires = time.Now().Add(c.ttl)
		c.mu.Unlock()
	}
	return report, nil
}
