// Package cache provides the in-process session cache used by the manager.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultTTL      = 15 * time.Minute
	DefaultCapacity = 10000
)

type entry struct {
	session   *domain.Session
	expiresAt time.Time
}

// TTL is a size-bounded LRU cache whose entries also expire a fixed time after insertion.
// Expired entries are dropped on read and by Purge.
type TTL struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, entry]
	ttl     time.Duration
	now     func() time.Time
	metrics *observability.Metrics

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*TTL)

// WithDefaultTTL sets the TTL applied when Put receives a non-positive ttl.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *TTL) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *TTL) { c.now = now }
}

// WithMetrics reports hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *TTL) { c.metrics = m }
}

// NewTTL creates a cache holding at most capacity sessions.
func NewTTL(capacity int, opts ...Option) *TTL {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// only fails for non-positive sizes
	lru, _ := simplelru.NewLRU[string, entry](capacity, nil)
	c := &TTL{
		lru:  lru,
		ttl:  DefaultTTL,
		now:  func() time.Time { return time.Now().UTC() },
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a clone of the cached session.
func (c *TTL) Get(sessionID string) (*domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(sessionID)
	if ok && !c.now().Before(e.expiresAt) {
		c.lru.Remove(sessionID)
		ok = false
	}
	c.metrics.CacheLookup(ok)
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// Put stores a clone of s that expires ttl from now.
func (c *TTL) Put(sessionID string, s *domain.Session, ttl time.Duration) {
	if s == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(sessionID, entry{session: s.Clone(), expiresAt: c.now().Add(ttl)})
}

// Invalidate removes the given entries.
func (c *TTL) Invalidate(sessionIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sessionIDs {
		c.lru.Remove(id)
	}
}

// Purge removes every expired entry.
func (c *TTL) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, id := range c.lru.Keys() {
		e, ok := c.lru.Peek(id)
		if ok && !now.Before(e.expiresAt) {
			c.lru.Remove(id)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries.
func (c *TTL) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Start purges expired entries every interval until ctx is done or Close is called.
// It must be called at most once.
func (c *TTL) Start(ctx context.Context, interval time.Duration) {
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Purge()
			}
		}
	}()
}

// Close stops the purge loop started by Start. Safe to call more than once.
func (c *TTL) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.done != nil {
		<-c.done
	}
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(string) (*domain.Session, bool)         { return nil, false }
func (Nop) Put(string, *domain.Session, time.Duration) {}
func (Nop) Invalidate(...string)                       {}
func (Nop) Purge() int                                 { return 0 }
func (Nop) Len() int                                   { return 0 }

var (
	_ ports.Cache = (*TTL)(nil)
	_ ports.Cache = Nop{}
)
