package draftkeeper_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/draftkeeper"
	"github.com/aretw0/draftkeeper/internal/logging"
	"github.com/aretw0/draftkeeper/pkg/adapters/memory"
	"github.com/aretw0/draftkeeper/pkg/config"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/persistence/middleware"
	"github.com/aretw0/draftkeeper/pkg/session"
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, strings.TrimSpace(draftkeeper.Version))
}

func TestNew_MemoryStack(t *testing.T) {
	ctx := context.Background()
	st, err := draftkeeper.New(ctx, config.Defaults(), draftkeeper.WithLogger(logging.NewNop()))
	require.NoError(t, err)
	defer st.Close()

	rec := httptest.NewRecorder()
	st.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s, err := st.Manager.Create(ctx, session.CreateRequest{UserID: "u1", ContextType: "course_creation"})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	st.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+s.ID(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), s.ID())

	rec = httptest.NewRecorder()
	st.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "draftkeeper_sessions_created_total 1")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Backend = "sqlite"
	_, err := draftkeeper.New(context.Background(), cfg, draftkeeper.WithLogger(logging.NewNop()))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNew_SecurityMiddleware(t *testing.T) {
	ctx := context.Background()
	raw := memory.NewGateway()

	cfg := config.Defaults()
	cfg.Security.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	cfg.Security.PIIPatterns = []string{"(?i)email"}

	st, err := draftkeeper.New(ctx, cfg,
		draftkeeper.WithLogger(logging.NewNop()),
		draftkeeper.WithGateway(raw),
	)
	require.NoError(t, err)
	defer st.Close()

	s, err := st.Manager.Create(ctx, session.CreateRequest{
		UserID:      "u1",
		ContextType: "course_creation",
		InitialData: map[string]any{"email": "ana@example.com", "topic": "Go"},
	})
	require.NoError(t, err)

	stored, err := raw.GetBySessionID(ctx, s.ID())
	require.NoError(t, err)
	assert.Len(t, stored.ContextData, 1)
	assert.Contains(t, stored.ContextData, middleware.EnvelopeKey)
	assert.Equal(t, "u1", stored.UserID)

	opened, err := st.Gateway.GetBySessionID(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, middleware.Mask, opened.ContextData["email"])
	assert.Equal(t, "Go", opened.ContextData["topic"])
}

func TestNew_RedisBackendWithLock(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfg := config.Defaults()
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Addr = mr.Addr()
	cfg.Sessions.DistributedLock = true
	cfg.Sessions.MaxActivePerUser = 1

	st, err := draftkeeper.New(ctx, cfg, draftkeeper.WithLogger(logging.NewNop()))
	require.NoError(t, err)
	defer st.Close()

	first, err := st.Manager.Create(ctx, session.CreateRequest{UserID: "u1", ContextType: "c"})
	require.NoError(t, err)
	_, err = st.Manager.Create(ctx, session.CreateRequest{UserID: "u1", ContextType: "c"})
	require.NoError(t, err)

	active, err := st.Manager.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotEqual(t, first.ID(), active[0].ID())
	assert.True(t, mr.Exists(cfg.Store.Redis.Prefix+first.ID()))
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Addr = "127.0.0.1:1"

	_, err := draftkeeper.New(context.Background(), cfg, draftkeeper.WithLogger(logging.NewNop()))
	assert.Error(t, err)
}

func TestStack_StartSweepsIdleSessions(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	raw := memory.NewGateway()

	cfg := config.Defaults()
	cfg.Sweeper.IdleThreshold = time.Hour

	st, err := draftkeeper.New(ctx, cfg,
		draftkeeper.WithLogger(logging.NewNop()),
		draftkeeper.WithGateway(raw),
		draftkeeper.WithClock(clk.Now),
	)
	require.NoError(t, err)

	s, err := st.Manager.Create(ctx, session.CreateRequest{UserID: "u1", ContextType: "c"})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	require.NoError(t, st.Start(ctx))
	require.Eventually(t, func() bool {
		rec, err := raw.GetBySessionID(ctx, s.ID())
		return err == nil && rec.Status == domain.StatusAbandoned
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, st.Janitor.IsRunning())

	require.NoError(t, st.Close())
	assert.False(t, st.Janitor.IsRunning())

	loaded, err := st.Manager.Load(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, loaded.Status())
}
