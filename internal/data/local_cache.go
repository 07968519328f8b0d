package data

import (
	"fmt"
	"sync"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/internal/model"
	"SessionGuard/pkg/clock"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	defaultCacheCapacity = 100
	defaultCacheTTL      = 60 * time.Second
)

type cacheEntry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
}

// LocalCache is a bounded in-process TTL cache with LRU eviction.
//
// An entry is expired once now-createdAt > ttl. Expired entries read as
// absent and are dropped on access or by Sweep. Inserting a new key at
// capacity sweeps expired entries first, then evicts the least recently
// used one. Only that last case counts as an eviction.
type LocalCache[V any] struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, cacheEntry[V]]
	capacity   int
	defaultTTL time.Duration
	clock      clock.Clock

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewLocalCache creates a cache holding at most capacity keys.
func NewLocalCache[V any](capacity int, defaultTTL time.Duration, clk clock.Clock) (*LocalCache[V], error) {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	lru, err := simplelru.NewLRU[string, cacheEntry[V]](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to create lru: %w", err)
	}
	return &LocalCache[V]{
		lru:        lru,
		capacity:   capacity,
		defaultTTL: defaultTTL,
		clock:      clk,
	}, nil
}

// NewSessionCache creates the process-wide cache for session validity and
// profiles from the resilience configuration.
func NewSessionCache(c *conf.Resilience, clk clock.Clock) (*LocalCache[any], error) {
	capacity, ttl := defaultCacheCapacity, defaultCacheTTL
	if c != nil && c.Cache != nil {
		if c.Cache.Capacity > 0 {
			capacity = c.Cache.Capacity
		}
		if c.Cache.ProfileTTL > 0 {
			ttl = c.Cache.ProfileTTL
		}
	}
	return NewLocalCache[any](capacity, ttl, clk)
}

func (c *LocalCache[V]) expired(e cacheEntry[V], now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Get returns the value of key, marking it recently used.
func (c *LocalCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if c.expired(e, c.clock.Now()) {
		c.lru.Remove(key)
		c.misses++
		return zero, false
	}
	c.lru.Get(key)
	c.hits++
	return e.value, true
}

// Set stores value under key. ttl <= 0 uses the default TTL.
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		c.sweepLocked(now)
	}
	if evicted := c.lru.Add(key, cacheEntry[V]{value: value, createdAt: now, ttl: ttl}); evicted {
		c.evictions++
	}
}

// Invalidate removes key.
func (c *LocalCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Clear removes every entry. Counters are kept.
func (c *LocalCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Sweep drops expired entries and returns how many were dropped.
func (c *LocalCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.clock.Now())
}

func (c *LocalCache[V]) sweepLocked(now time.Time) int {
	purged := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && c.expired(e, now) {
			c.lru.Remove(key)
			purged++
		}
	}
	return purged
}

// Stats returns the cache counters.
func (c *LocalCache[V]) Stats() model.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
	}
}
