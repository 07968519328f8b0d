package data

import (
	"fmt"
	"testing"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/pkg/clock"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cacheStart = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestLocalCache(t *testing.T, capacity int) (*LocalCache[string], *clock.ManualClock) {
	t.Helper()
	clk := clock.NewManualClock(cacheStart)
	c, err := NewLocalCache[string](capacity, time.Minute, clk)
	require.NoError(t, err)
	return c, clk
}

func TestLocalCache_GetSet(t *testing.T) {
	c, _ := newTestLocalCache(t, 10)

	_, ok := c.Get("profile:1")
	assert.False(t, ok)

	c.Set("profile:1", "ana", 0)
	v, ok := c.Get("profile:1")
	require.True(t, ok)
	assert.Equal(t, "ana", v)

	c.Set("profile:1", "ana-updated", time.Second)
	v, _ = c.Get("profile:1")
	assert.Equal(t, "ana-updated", v)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 10, stats.Capacity)
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 1e-9)
}

func TestLocalCache_TTLBoundary(t *testing.T) {
	c, clk := newTestLocalCache(t, 10)
	c.Set("session:1", "valid", 10*time.Second)

	clk.Advance(10 * time.Second)
	_, ok := c.Get("session:1")
	assert.True(t, ok, "present at exactly ttl")

	clk.Advance(time.Nanosecond)
	_, ok = c.Get("session:1")
	assert.False(t, ok, "absent strictly after ttl")
	assert.Equal(t, 0, c.Stats().Size, "expired entry dropped on read")
}

func TestLocalCache_DefaultTTL(t *testing.T) {
	c, clk := newTestLocalCache(t, 10)
	c.Set("k", "v", -time.Second)

	clk.Advance(time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok)
	clk.Advance(time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestLocalCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestLocalCache(t, 3)
	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("c", "3", 0)

	_, _ = c.Get("a")
	c.Set("d", "4", 0)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestLocalCache_OverwriteAtCapacityDoesNotEvict(t *testing.T) {
	c, _ := newTestLocalCache(t, 2)
	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("a", "3", 0)

	assert.Equal(t, uint64(0), c.Stats().Evictions)
	assert.Equal(t, 2, c.Stats().Size)
}

func TestLocalCache_ExpiredSweptBeforeEviction(t *testing.T) {
	c, clk := newTestLocalCache(t, 2)
	c.Set("short", "1", time.Second)
	c.Set("long", "2", time.Hour)

	clk.Advance(2 * time.Second)
	c.Set("new", "3", 0)

	_, ok := c.Get("long")
	assert.True(t, ok, "live entry kept while an expired one could go")
	assert.Equal(t, uint64(0), c.Stats().Evictions, "expired purges are not evictions")
}

func TestLocalCache_SweepInvalidateClear(t *testing.T) {
	c, clk := newTestLocalCache(t, 10)
	c.Set("a", "1", time.Second)
	c.Set("b", "2", time.Second)
	c.Set("c", "3", time.Hour)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 0, c.Sweep())
	assert.Equal(t, 1, c.Stats().Size)

	c.Invalidate("c")
	_, ok := c.Get("c")
	assert.False(t, ok)

	c.Set("d", "4", 0)
	c.Clear()
	assert.Equal(t, 0, c.Stats().Size)
}

func TestNewSessionCache(t *testing.T) {
	clk := clock.NewManualClock(cacheStart)
	c, err := NewSessionCache(&conf.Resilience{Cache: &conf.Cache{Capacity: 7, ProfileTTL: time.Second}}, clk)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Stats().Capacity)

	c.Set("k", 1, 0)
	clk.Advance(2 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok, "default ttl comes from profile ttl")

	c, err = NewSessionCache(nil, clk)
	require.NoError(t, err)
	assert.Equal(t, 100, c.Stats().Capacity)
}

func TestLocalCache_TTLProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("present iff elapsed <= ttl", prop.ForAll(
		func(ttlMs int, elapsedMs int) bool {
			clk := clock.NewManualClock(cacheStart)
			c, err := NewLocalCache[int](4, time.Minute, clk)
			if err != nil {
				return false
			}
			c.Set("k", 1, time.Duration(ttlMs)*time.Millisecond)
			clk.Advance(time.Duration(elapsedMs) * time.Millisecond)
			_, ok := c.Get("k")
			return ok == (elapsedMs <= ttlMs)
		},
		gen.IntRange(1, 10000),
		gen.IntRange(0, 20000),
	))

	properties.TestingRun(t)
}

func TestLocalCache_EvictionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("inserting past capacity evicts the least recently used key", prop.ForAll(
		func(capacity int, touched int) bool {
			c, err := NewLocalCache[int](capacity, time.Minute, clock.NewManualClock(cacheStart))
			if err != nil {
				return false
			}
			for i := 0; i < capacity; i++ {
				c.Set(fmt.Sprintf("k%d", i), i, 0)
			}
			touched %= capacity
			c.Get(fmt.Sprintf("k%d", touched))
			c.Set("extra", -1, 0)

			victim := 0
			if touched == 0 && capacity > 1 {
				victim = 1
			}
			for i := 0; i < capacity; i++ {
				_, ok := c.Get(fmt.Sprintf("k%d", i))
				if ok == (i == victim) {
					return false
				}
			}
			_, ok := c.Get("extra")
			return ok && c.Stats().Evictions == 1
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
