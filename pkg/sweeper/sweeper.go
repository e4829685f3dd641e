// Package sweeper abandons sessions that stayed active without updates for
// longer than an idle threshold.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/draftkeeper/internal/logging"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/aretw0/draftkeeper/pkg/ports"
)

const (
	DefaultIdleThreshold = 24 * time.Hour
	DefaultInterval      = time.Hour
)

// Sweeper runs one expiry pass at a time. It writes through the gateway in a
// single batch and keeps the cache consistent with what it changed.
type Sweeper struct {
	gateway ports.Gateway
	cache   ports.Cache
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger for sweep results and failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithMetrics records swept counts and sweep duration.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock overrides the time source for cutoffs and transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper. cache may be nil.
func New(gateway ports.Gateway, cache ports.Cache, opts ...Option) *Sweeper {
	s := &Sweeper{
		gateway: gateway,
		cache:   cache,
		logger:  logging.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "sweeper"))
	return s
}

// Sweep abandons every active session idle for longer than threshold and
// returns how many changed. A failed batch leaves the sessions as they were;
// the next run picks them up again.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration) (int, error) {
	start := s.now()
	cutoff := start.Add(-threshold)

	expired, err := s.gateway.GetExpired(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to query expired sessions", "err", err)
		return 0, domain.NewPersistenceError("query expired", "", err)
	}

	ids := make([]string, 0, len(expired))
	for _, rec := range expired {
		if rec.Status == domain.StatusActive {
			ids = append(ids, rec.SessionID)
		}
	}

	n := 0
	if len(ids) > 0 {
		n, err = s.gateway.BatchAbandon(ctx, ids, cutoff, start, domain.ReasonIdleTimeout)
		if err != nil {
			s.logger.Error("Batch abandon failed", "count", len(ids), "err", err)
			return 0, domain.NewPersistenceError("batch abandon", "", err)
		}
		if s.cache != nil {
			s.cache.Invalidate(ids...)
		}
	}

	purged := 0
	if s.cache != nil {
		purged = s.cache.Purge()
	}

	took := s.now().Sub(start)
	s.metrics.Swept(n, took)
	if n > 0 || purged > 0 {
		s.logger.Info("Sweep finished",
			"count", n,
			"purged", purged,
			"duration", took,
		)
	}
	return n, nil
}
