package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aretw0/draftkeeper/internal/logging"
	"github.com/aretw0/draftkeeper/pkg/cache"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxActivePerUser  = 5
	DefaultMaxMessageHistory = 100
)

// ChangeListener is notified after every successful durable write with the
// difference it introduced.
type ChangeListener func(ctx context.Context, diff *domain.SessionDiff)

// CreateRequest describes a new session.
type CreateRequest struct {
	// SessionID is optional; one is generated when empty.
	SessionID   string         `json:"session_id,omitempty"`
	UserID      string         `json:"user_id"`
	ContextType string         `json:"context_type"`
	InitialData map[string]any `json:"initial_data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Manager orchestrates the session lifecycle over a Gateway, a Cache and an
// optional DistributedLocker. Read-modify-write operations on one session are
// serialized in process by a reference-counted lock map.
type Manager struct {
	gateway ports.Gateway
	cache   ports.Cache
	locks   *lockMap

	cacheTTL          time.Duration
	maxActivePerUser  int
	maxMessageHistory int
	maxMessageBytes   int

	locker    ports.DistributedLocker
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
	listeners []ChangeListener
}

// Option configures the Manager.
type Option func(*Manager)

// WithCache replaces the default TTL cache.
func WithCache(c ports.Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithCacheTTL sets the TTL of entries the manager puts in its cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.cacheTTL = ttl
	}
}

// WithMaxActivePerUser sets the per-user active session limit. Zero disables it.
func WithMaxActivePerUser(n int) Option {
	return func(m *Manager) {
		m.maxActivePerUser = n
	}
}

// WithMaxMessageHistory sets the transcript size above which a warning is logged.
func WithMaxMessageHistory(n int) Option {
	return func(m *Manager) {
		m.maxMessageHistory = n
	}
}

// WithMaxMessageBytes bounds the content size of an appended message.
func WithMaxMessageBytes(n int) Option {
	return func(m *Manager) {
		m.maxMessageBytes = n
	}
}

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records session counters and save failures.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides session ID allocation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

// WithChangeListener registers a listener for persisted changes.
func WithChangeListener(l ChangeListener) Option {
	return func(m *Manager) {
		m.listeners = append(m.listeners, l)
	}
}

// NewManager creates a Session Manager over the given gateway.
func NewManager(gateway ports.Gateway, opts ...Option) *Manager {
	m := &Manager{
		gateway:           gateway,
		locks:             newLockMap(),
		cacheTTL:          cache.DefaultTTL,
		maxActivePerUser:  DefaultMaxActivePerUser,
		maxMessageHistory: DefaultMaxMessageHistory,
		maxMessageBytes:   DefaultMaxMessageBytes,
		logger:            logging.NewNop(),
		tracer:            observability.DefaultTracer(),
		now:               func() time.Time { return time.Now().UTC() },
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = cache.NewTTL(cache.DefaultCapacity, cache.WithDefaultTTL(m.cacheTTL), cache.WithMetrics(m.metrics))
	}
	m.logger = m.logger.With(slog.String("component", "session_manager"))
	return m
}

// Gateway returns the underlying gateway.
func (m *Manager) Gateway() ports.Gateway { return m.gateway }

// Cache returns the session cache.
func (m *Manager) Cache() ports.Cache { return m.cache }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// Create validates req, enforces the per-user limit and durably inserts a new
// active session. The session is only cached once the insert succeeded.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (s *domain.Session, err error) {
	ctx, span := observability.StartSpan(ctx, m.tracer, "session.Create", req.SessionID)
	defer func() { observability.EndSpan(span, err) }()

	if req.UserID == "" {
		return nil, domain.NewValidationError("user_id", "must not be empty")
	}
	if req.ContextType == "" {
		return nil, domain.NewValidationError("context_type", "must not be empty")
	}
	id := req.SessionID
	if id == "" {
		id = m.newID()
	}

	create := func(ctx context.Context) error {
		if req.SessionID != "" {
			// A taken ID must fail before the limit abandons anything.
			_, err := m.gateway.GetBySessionID(ctx, id)
			switch {
			case err == nil:
				return domain.ErrDuplicateSession
			case !errors.Is(err, domain.ErrSessionNotFound):
				return domain.NewPersistenceError("lookup", id, err)
			}
		}
		if err := m.enforceLimit(ctx, req.UserID); err != nil {
			return err
		}
		now := m.now()
		created := domain.NewSession(id, req.UserID, req.ContextType, now)
		if len(req.InitialData) > 0 {
			created.UpdateContext(req.InitialData, true, now)
		}
		if len(req.Metadata) > 0 {
			created.SetMetadata(req.Metadata, now)
		}
		if err := m.insert(ctx, created); err != nil {
			return err
		}
		s = created
		return nil
	}

	if m.locker != nil {
		// Count, abandon and insert become one critical section across replicas.
		err = m.locked(ctx, "user:"+req.UserID, create)
	} else {
		err = create(ctx)
	}
	if err != nil {
		return nil, err
	}

	m.metrics.SessionCreated()
	m.logger.Info("Session created", "session_id", id, "user_id", req.UserID)
	m.notify(ctx, domain.Diff(nil, s))
	return s.Clone(), nil
}

// enforceLimit abandons the user's oldest active sessions until there is room for one more.
func (m *Manager) enforceLimit(ctx context.Context, userID string) error {
	if m.maxActivePerUser <= 0 {
		return nil
	}
	count, err := m.gateway.CountActiveForUser(ctx, userID)
	if err != nil {
		return domain.NewPersistenceError("count active", "", err)
	}
	for ; count >= m.maxActivePerUser; count-- {
		oldest, err := m.gateway.GetOldestActiveForUser(ctx, userID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return domain.NewPersistenceError("find oldest active", "", err)
		}
		m.logger.Info("Session limit reached, abandoning oldest",
			"user_id", userID,
			"session_id", oldest.SessionID,
			"count", count,
		)
		_, err = m.Abandon(ctx, oldest.SessionID, domain.ReasonLimitExceeded)
		if err != nil && !errors.Is(err, domain.ErrTerminalState) && !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
	}
	return nil
}

func (m *Manager) insert(ctx context.Context, s *domain.Session) error {
	dbID, err := m.gateway.Insert(ctx, domain.ToRecord(s))
	if err != nil {
		m.metrics.SaveFailed("persistence")
		return domain.NewPersistenceError("insert", s.ID(), err)
	}
	s.MarkPersisted(dbID, 0)
	m.cache.Put(s.ID(), s, m.cacheTTL)
	return nil
}

// Load returns the session from cache, or reads it through the gateway.
func (m *Manager) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	if s, ok := m.cache.Get(sessionID); ok {
		return s, nil
	}
	rec, err := m.gateway.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.NewNotFoundError(sessionID)
		}
		return nil, domain.NewPersistenceError("load", sessionID, err)
	}
	s, err := domain.FromRecord(rec)
	if err != nil {
		return nil, domain.NewPersistenceError("decode", sessionID, err)
	}
	m.cache.Put(sessionID, s, m.cacheTTL)
	return s, nil
}

// LoadMany resolves cache hits locally and fetches every miss with one
// batched gateway call. Unknown IDs are absent from the result.
func (m *Manager) LoadMany(ctx context.Context, sessionIDs []string) (map[string]*domain.Session, error) {
	out := make(map[string]*domain.Session, len(sessionIDs))
	var misses []string
	seen := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if s, ok := m.cache.Get(id); ok {
			out[id] = s
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}

	recs, err := m.gateway.GetBySessionIDs(ctx, misses)
	if err != nil {
		return nil, domain.NewPersistenceError("load many", "", err)
	}
	for id, rec := range recs {
		s, err := domain.FromRecord(rec)
		if err != nil {
			m.logger.Warn("Skipping undecodable session record", "session_id", id, "err", err)
			continue
		}
		m.cache.Put(id, s, m.cacheTTL)
		out[id] = s
	}
	return out, nil
}

// Save persists s under the session lock.
func (m *Manager) Save(ctx context.Context, s *domain.Session) error {
	return m.WithLock(ctx, s.ID(), func(ctx context.Context) error {
		return m.save(ctx, s)
	})
}

// save writes s and refreshes the cache. On failure the cache is left as is
// and s stays dirty; on a version conflict the cache entry is dropped so the
// next load reads the newer record.
func (m *Manager) save(ctx context.Context, s *domain.Session) error {
	if !s.IsPersisted() {
		return m.insert(ctx, s)
	}

	rec := domain.ToRecord(s)
	if err := m.gateway.Update(ctx, s.DatabaseID(), rec); err != nil {
		switch {
		case errors.Is(err, domain.ErrConcurrentModification):
			m.cache.Invalidate(s.ID())
			m.metrics.SaveFailed("conflict")
			m.logger.Warn("Concurrent modification detected", "session_id", s.ID(), "err", err)
			return err
		case errors.Is(err, domain.ErrSessionNotFound):
			m.cache.Invalidate(s.ID())
			return domain.NewNotFoundError(s.ID())
		default:
			m.metrics.SaveFailed("persistence")
			return domain.NewPersistenceError("update", s.ID(), err)
		}
	}
	s.MarkPersisted(s.DatabaseID(), rec.Version+1)
	m.cache.Put(s.ID(), s, m.cacheTTL)

	if m.maxMessageHistory > 0 && s.MessageCount() > m.maxMessageHistory {
		m.logger.Warn("Message history exceeds configured maximum",
			"session_id", s.ID(),
			"count", s.MessageCount(),
			"max", m.maxMessageHistory,
		)
	}
	return nil
}

// Delete removes the durable record first and clears the cache only on success.
func (m *Manager) Delete(ctx context.Context, sessionID string) (err error) {
	ctx, span := observability.StartSpan(ctx, m.tracer, "session.Delete", sessionID)
	defer func() { observability.EndSpan(span, err) }()

	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		s, err := m.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := m.gateway.Delete(ctx, s.DatabaseID()); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				m.cache.Invalidate(sessionID)
				return domain.NewNotFoundError(sessionID)
			}
			return domain.NewPersistenceError("delete", sessionID, err)
		}
		m.cache.Invalidate(sessionID)
		m.logger.Info("Session deleted", "session_id", sessionID)
		return nil
	})
}

// ListActive returns the user's active sessions as currently stored.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	all, err := m.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, s := range all {
		if s.Status() == domain.StatusActive {
			active = append(active, s)
		}
	}
	return active, nil
}

// ListForUser returns every session the user owns, oldest first.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	recs, err := m.gateway.ListForUser(ctx, userID)
	if err != nil {
		return nil, domain.NewPersistenceError("list", "", err)
	}
	out := make([]*domain.Session, 0, len(recs))
	for _, rec := range recs {
		s, err := domain.FromRecord(rec)
		if err != nil {
			m.logger.Warn("Skipping undecodable session record", "session_id", rec.SessionID, "err", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Manager) notify(ctx context.Context, diff *domain.SessionDiff) {
	if diff == nil {
		return
	}
	for _, l := range m.listeners {
		l(ctx, diff)
	}
}
