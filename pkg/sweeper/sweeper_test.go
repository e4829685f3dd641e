package sweeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/adapters/memory"
	"github.com/aretw0/draftkeeper/pkg/cache"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"github.com/aretw0/draftkeeper/pkg/session"
	"github.com/aretw0/draftkeeper/pkg/sweeper"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	gw      *memory.Gateway
	cache   *cache.TTL
	manager *session.Manager
	clock   *clock
}

func newHarness(gw ports.Gateway, mem *memory.Gateway) *harness {
	c := &clock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	ttl := cache.NewTTL(100, cache.WithClock(c.Now), cache.WithDefaultTTL(48*time.Hour))
	m := session.NewManager(gw,
		session.WithCache(ttl),
		session.WithCacheTTL(48*time.Hour),
		session.WithClock(c.Now),
		session.WithMaxActivePerUser(0),
	)
	return &harness{gw: mem, cache: ttl, manager: m, clock: c}
}

func (h *harness) create(t *testing.T) string {
	t.Helper()
	s, err := h.manager.Create(context.Background(), session.CreateRequest{UserID: "u", ContextType: "c"})
	require.NoError(t, err)
	return s.ID()
}

func TestSweep_AbandonsIdleActiveSessions(t *testing.T) {
	mem := memory.NewGateway()
	h := newHarness(mem, mem)
	ctx := context.Background()

	idle := h.create(t)
	paused := h.create(t)
	_, err := h.manager.Pause(ctx, paused, "")
	require.NoError(t, err)

	h.clock.Advance(23 * time.Hour)
	fresh := h.create(t)
	h.clock.Advance(2 * time.Hour)

	metrics := observability.NewMetrics(nil)
	sw := sweeper.New(mem, h.cache, sweeper.WithClock(h.clock.Now), sweeper.WithMetrics(metrics))

	before := mem.Calls()["BatchAbandon"]
	n, err := sw.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+1, mem.Calls()["BatchAbandon"])

	_, cached := h.cache.Get(idle)
	assert.False(t, cached, "swept session must not be served from cache")

	s, err := h.manager.Load(ctx, idle)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, s.Status())
	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.ReasonIdleTimeout, history[0].Reason)
	assert.Equal(t, h.clock.Now(), history[0].Timestamp)

	s, err = h.manager.Load(ctx, paused)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, s.Status())

	s, err = h.manager.Load(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsSwept))

	// A second pass finds nothing.
	n, err = sw.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_NothingToDoSkipsBatch(t *testing.T) {
	mem := memory.NewGateway()
	h := newHarness(mem, mem)
	h.create(t)

	sw := sweeper.New(mem, nil, sweeper.WithClock(h.clock.Now))
	n, err := sw.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, mem.Calls()["BatchAbandon"])
}

type failingBatch struct {
	ports.Gateway
	err error
}

func (f *failingBatch) BatchAbandon(context.Context, []string, time.Time, time.Time, string) (int, error) {
	return 0, f.err
}

func TestSweep_BatchFailureLeavesSessionsForNextRun(t *testing.T) {
	mem := memory.NewGateway()
	h := newHarness(mem, mem)
	ctx := context.Background()
	id := h.create(t)
	h.clock.Advance(25 * time.Hour)

	broken := sweeper.New(&failingBatch{Gateway: mem, err: errors.New("timeout")}, h.cache, sweeper.WithClock(h.clock.Now))
	_, err := broken.Sweep(ctx, 24*time.Hour)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	rec, err := mem.GetBySessionID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, rec.Status)

	n, err := sweeper.New(mem, h.cache, sweeper.WithClock(h.clock.Now)).Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// touchAfterQuery lets a writer update a session between the expiry query
// and the batch abandon.
type touchAfterQuery struct {
	ports.Gateway
	touch func()
}

func (g *touchAfterQuery) GetExpired(ctx context.Context, cutoff time.Time) ([]domain.Record, error) {
	recs, err := g.Gateway.GetExpired(ctx, cutoff)
	if err == nil {
		g.touch()
	}
	return recs, err
}

func TestSweep_SkipsSessionTouchedAfterQuery(t *testing.T) {
	mem := memory.NewGateway()
	h := newHarness(mem, mem)
	ctx := context.Background()
	id := h.create(t)
	h.clock.Advance(25 * time.Hour)

	gw := &touchAfterQuery{Gateway: mem, touch: func() {
		_, err := h.manager.AppendMessage(ctx, id, domain.Message{Type: "user", Content: "still here"})
		require.NoError(t, err)
	}}
	n, err := sweeper.New(gw, h.cache, sweeper.WithClock(h.clock.Now)).Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	s, err := h.manager.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status())
	assert.Equal(t, 1, s.MessageCount())
}

func TestSweep_PurgesExpiredCacheEntries(t *testing.T) {
	mem := memory.NewGateway()
	c := &clock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	ttl := cache.NewTTL(10, cache.WithClock(c.Now))
	m := session.NewManager(mem, session.WithCache(ttl), session.WithCacheTTL(time.Minute), session.WithClock(c.Now))
	_, err := m.Create(context.Background(), session.CreateRequest{UserID: "u", ContextType: "c"})
	require.NoError(t, err)
	require.Equal(t, 1, ttl.Len())

	c.Advance(2 * time.Minute)
	_, err = sweeper.New(mem, ttl, sweeper.WithClock(c.Now)).Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, ttl.Len())
}

func TestService_StartStop(t *testing.T) {
	mem := memory.NewGateway()
	h := newHarness(mem, mem)
	h.create(t)
	h.clock.Advance(48 * time.Hour)

	svc := sweeper.NewService(sweeper.New(mem, h.cache, sweeper.WithClock(h.clock.Now)), 10*time.Millisecond, 24*time.Hour)
	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.IsRunning())
	require.NoError(t, svc.Start(context.Background()))

	assert.Eventually(t, func() bool {
		n, err := mem.CountActiveForUser(context.Background(), "u")
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)

	svc.Stop()
	assert.False(t, svc.IsRunning())
	svc.Stop()
}

func TestService_StopsWithParentContext(t *testing.T) {
	mem := memory.NewGateway()
	svc := sweeper.NewService(sweeper.New(mem, nil), time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !svc.IsRunning() }, time.Second, 5*time.Millisecond)
}
