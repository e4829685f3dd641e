package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/cache"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var start = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func session(id string) *domain.Session {
	return domain.NewSession(id, "u", "essay", start)
}

func TestTTL_ExpiresExactlyAtTTL(t *testing.T) {
	clock := &fakeClock{now: start}
	c := cache.NewTTL(10, cache.WithClock(clock.Now))
	c.Put("a", session("a"), time.Minute)

	clock.Advance(time.Minute - time.Nanosecond)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Nanosecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTL_DefaultTTL(t *testing.T) {
	clock := &fakeClock{now: start}
	c := cache.NewTTL(10, cache.WithClock(clock.Now), cache.WithDefaultTTL(time.Second))
	c.Put("a", session("a"), 0)

	clock.Advance(time.Second)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTL_ReturnsClones(t *testing.T) {
	c := cache.NewTTL(10)
	s := session("a")
	c.Put("a", s, time.Minute)

	s.UpdateContext(map[string]any{"k": "changed after put"}, true, start)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Empty(t, got.ContextData())

	got.UpdateContext(map[string]any{"k": "changed after get"}, true, start)
	again, _ := c.Get("a")
	assert.Empty(t, again.ContextData())
}

func TestTTL_EvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.NewTTL(2)
	c.Put("a", session("a"), time.Minute)
	c.Put("b", session("b"), time.Minute)
	_, _ = c.Get("a")
	c.Put("c", session("c"), time.Minute)

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 2, c.Len())
}

func TestTTL_PurgeAndInvalidate(t *testing.T) {
	clock := &fakeClock{now: start}
	c := cache.NewTTL(10, cache.WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("short-%d", i), session("s"), time.Second)
	}
	c.Put("long", session("l"), time.Hour)
	c.Put("gone", session("g"), time.Hour)

	c.Invalidate("gone", "never-there")
	clock.Advance(2 * time.Second)

	assert.Equal(t, 3, c.Purge())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, c.Purge())
}

func TestTTL_JanitorPurges(t *testing.T) {
	clock := &fakeClock{now: start}
	c := cache.NewTTL(10, cache.WithClock(clock.Now))
	c.Put("a", session("a"), time.Second)
	clock.Advance(time.Hour)

	c.Start(context.Background(), 5*time.Millisecond)
	defer c.Close()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	c.Close()
}

func TestTTL_Metrics(t *testing.T) {
	m := observability.NewMetrics(nil)
	c := cache.NewTTL(10, cache.WithMetrics(m))
	c.Put("a", session("a"), time.Minute)

	_, _ = c.Get("a")
	_, _ = c.Get("b")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses))
}

func TestNop(t *testing.T) {
	var c cache.Nop
	c.Put("a", session("a"), time.Minute)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
