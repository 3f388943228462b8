package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ResultCache memoizes expensive analytics results under a parameter-derived
// key. Unlike MarketCache it holds computed reports rather than raw market
// data, and a failed compute is never served stale.
type ResultCache struct {
	ttl time.Duration

	sf      singleflight.Group
	mu      sync.Mutex
	entries map[string]entry

	now func() time.Time
}

// NewResultCache creates a ResultCache with the given TTL.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// GetOrCompute returns the cached result for key, computing it at most once
// per TTL window. Concurrent callers for the same key share one compute.
func (rc *ResultCache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (any, error)) (any, bool, error) {
	rc.mu.Lock()
	e, ok := rc.entries[key]
	fresh := ok && rc.now().Sub(e.fetchedAt) < rc.ttl
	rc.mu.Unlock()

	if fresh {
		return e.value, true, nil
	}

	v, err, shared := rc.sf.Do(key, func() (any, error) {
		out, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		rc.mu.Lock()
		rc.entries[key] = entry{value: out, fetchedAt: rc.now()}
		rc.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, shared, nil
}
