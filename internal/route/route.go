package route

import (
	"context"
	"sync"
	"time"
)

// Fallback values used when route estimation fails. Route estimation is a
// soft dependency: the booking path substitutes these instead of failing.
const (
	FallbackDistanceKm  = 5.0
	FallbackDurationMin = 10.0
)

// Estimate is the routing result between two location descriptors.
type Estimate struct {
	DistanceKm  float64
	DurationMin float64
}

// Fallback returns the fixed default estimate.
func Fallback() Estimate {
	return Estimate{DistanceKm: FallbackDistanceKm, DurationMin: FallbackDurationMin}
}

// Estimator is the interface used by the coordinator to price a route.
type Estimator interface {
	Estimate(ctx context.Context, pickup, dropoff string) (Estimate, error)
}

// Cache is a tiny in-memory TTL cache for route lookups keyed by the
// pickup/dropoff pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Estimate
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(pickup, dropoff string) string { return pickup + "->" + dropoff }

// Get returns the cached estimate and true if present and not expired.
func (c *Cache) Get(pickup, dropoff string) (Estimate, bool) {
	k := keyFor(pickup, dropoff)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Estimate{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Estimate{}, false
	}
	return e.v, true
}

// Set stores an estimate in the cache.
func (c *Cache) Set(pickup, dropoff string, v Estimate) {
	k := keyFor(pickup, dropoff)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedEstimator wraps an Estimator with a Cache.
type CachedEstimator struct {
	Inner Estimator
	Cache *Cache
}

func (c *CachedEstimator) Estimate(ctx context.Context, pickup, dropoff string) (Estimate, error) {
	if v, ok := c.Cache.Get(pickup, dropoff); ok {
		return v, nil
	}
	v, err := c.Inner.Estimate(ctx, pickup, dropoff)
	if err != nil {
		return Estimate{}, err
	}
	c.Cache.Set(pickup, dropoff, v)
	return v, nil
}
