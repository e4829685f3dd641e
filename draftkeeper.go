package draftkeeper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/draftkeeper/internal/logging"
	httpAdapter "github.com/aretw0/draftkeeper/pkg/adapters/http"
	"github.com/aretw0/draftkeeper/pkg/adapters/memory"
	"github.com/aretw0/draftkeeper/pkg/adapters/mongo"
	"github.com/aretw0/draftkeeper/pkg/adapters/redis"
	"github.com/aretw0/draftkeeper/pkg/cache"
	"github.com/aretw0/draftkeeper/pkg/config"
	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/aretw0/draftkeeper/pkg/persistence/middleware"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"github.com/aretw0/draftkeeper/pkg/reconcile"
	"github.com/aretw0/draftkeeper/pkg/session"
	"github.com/aretw0/draftkeeper/pkg/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Stack is a fully wired session service: storage, cache, manager,
// reconciler, sweeper and the HTTP handler in front of them.
type Stack struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Gateway    ports.Gateway
	Cache      *cache.TTL
	Streams    *httpAdapter.StreamManager
	Manager    *session.Manager
	Reconciler *reconcile.Reconciler
	Sweeper    *sweeper.Sweeper
	Janitor    *sweeper.Service
	Handler    http.Handler

	backend io.Closer
	cancel  context.CancelFunc
}

// Option defines a functional option for configuring the Stack.
type Option func(*stackOptions)

type stackOptions struct {
	logger  *slog.Logger
	gateway ports.Gateway
	clock   func() time.Time
}

// WithLogger sets the structured logger. By default one is built from the log config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *stackOptions) {
		o.logger = logger
	}
}

// WithGateway injects a storage gateway, bypassing the configured backend.
// The security middleware is still applied on top of it.
func WithGateway(gw ports.Gateway) Option {
	return func(o *stackOptions) {
		o.gateway = gw
	}
}

// WithClock overrides the time source of the manager, cache and sweeper.
func WithClock(now func() time.Time) Option {
	return func(o *stackOptions) {
		o.clock = now
	}
}

// New builds the stack described by cfg. Background work does not begin until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &stackOptions{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = NewLogger(cfg.Log)
	}

	st := &Stack{
		Config:   cfg,
		Logger:   o.logger,
		Registry: prometheus.NewRegistry(),
	}
	st.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	st.Metrics = observability.NewMetrics(st.Registry)

	gw, locker, err := st.openBackend(ctx, o.gateway)
	if err != nil {
		return nil, err
	}
	if gw, err = applySecurity(gw, cfg.Security); err != nil {
		st.closeBackend()
		return nil, err
	}
	st.Gateway = gw

	st.Cache = cache.NewTTL(cfg.Cache.Capacity,
		cache.WithDefaultTTL(cfg.Cache.TTL),
		cache.WithClock(o.clock),
		cache.WithMetrics(st.Metrics),
	)
	st.Streams = httpAdapter.NewStreamManager(o.logger)

	managerOpts := []session.Option{
		session.WithCache(st.Cache),
		session.WithCacheTTL(cfg.Cache.TTL),
		session.WithMaxActivePerUser(cfg.Sessions.MaxActivePerUser),
		session.WithMaxMessageHistory(cfg.Sessions.MaxMessageHistory),
		session.WithMaxMessageBytes(cfg.Sessions.MaxMessageBytes),
		session.WithLogger(o.logger),
		session.WithMetrics(st.Metrics),
		session.WithTracer(observability.DefaultTracer()),
		session.WithClock(o.clock),
		session.WithChangeListener(st.Streams.Publish),
	}
	if locker != nil {
		managerOpts = append(managerOpts, session.WithLocker(locker))
	}
	st.Manager = session.NewManager(gw, managerOpts...)
	st.Reconciler = reconcile.New(st.Manager,
		reconcile.WithRecentMessages(cfg.Sync.RecentMessages),
		reconcile.WithMetrics(st.Metrics),
	)
	st.Sweeper = sweeper.New(gw, st.Cache,
		sweeper.WithLogger(o.logger),
		sweeper.WithMetrics(st.Metrics),
		sweeper.WithClock(o.clock),
	)
	st.Janitor = sweeper.NewService(st.Sweeper, cfg.Sweeper.Interval, cfg.Sweeper.IdleThreshold)

	st.Handler, err = httpAdapter.NewHandler(httpAdapter.Options{
		Manager:       st.Manager,
		Reconciler:    st.Reconciler,
		Sweeper:       st.Sweeper,
		IdleThreshold: cfg.Sweeper.IdleThreshold,
		Streams:       st.Streams,
		Gatherer:      st.Registry,
		Logger:        o.logger,
		Version:       strings.TrimSpace(Version),
	})
	if err != nil {
		st.closeBackend()
		return nil, err
	}
	return st, nil
}

func (st *Stack) openBackend(ctx context.Context, injected ports.Gateway) (ports.Gateway, ports.DistributedLocker, error) {
	cfg := st.Config.Store
	if injected != nil {
		return injected, nil, nil
	}
	switch cfg.Backend {
	case config.BackendRedis:
		gw := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redis.WithPrefix(cfg.Redis.Prefix))
		st.backend = gw
		if err := gw.Client().Ping(ctx).Err(); err != nil {
			st.closeBackend()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		var locker ports.DistributedLocker
		if st.Config.Sessions.DistributedLock {
			locker = redis.NewLocker(gw.Client(), cfg.Redis.Prefix+"lock:")
		}
		st.Logger.Info("Using redis session store", "addr", cfg.Redis.Addr, "distributed_lock", locker != nil)
		return gw, locker, nil
	case config.BackendMongo:
		gw, err := mongo.Connect(ctx, cfg.Mongo.URI, mongo.Options{
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		st.backend = gw
		st.Logger.Info("Using mongo session store", "database", cfg.Mongo.Database, "collection", cfg.Mongo.Collection)
		return gw, nil, nil
	default:
		st.Logger.Warn("Using in-memory session store; sessions are lost on restart")
		return memory.NewGateway(), nil, nil
	}
}

// applySecurity wraps gw so that PII is masked before the record is sealed.
func applySecurity(gw ports.Gateway, sec config.SecurityConfig) (ports.Gateway, error) {
	var mws []middleware.Middleware
	if len(sec.PIIPatterns) > 0 {
		pii, err := middleware.NewPIIMiddleware(sec.PIIPatterns)
		if err != nil {
			return nil, err
		}
		mws = append(mws, pii)
	}
	active, fallback, err := sec.Keys()
	if err != nil {
		return nil, err
	}
	if active != nil {
		enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    active,
			FallbackKeys: fallback,
		})
		if err != nil {
			return nil, err
		}
		mws = append(mws, enc)
	}
	return middleware.Chain(gw, mws...), nil
}

// Start launches the cache purge loop and, when enabled, the idle sweeper.
// Both stop when ctx is cancelled or Close is called.
func (st *Stack) Start(ctx context.Context) error {
	ctx, st.cancel = context.WithCancel(ctx)
	if st.Config.Cache.PurgeInterval > 0 {
		st.Cache.Start(ctx, st.Config.Cache.PurgeInterval)
	}
	if !st.Config.Sweeper.Enabled {
		return nil
	}
	return st.Janitor.Start(ctx)
}

// Close stops background work and releases the storage connection.
func (st *Stack) Close() error {
	if st.cancel != nil {
		st.cancel()
	}
	st.Janitor.Stop()
	st.Cache.Close()
	return st.closeBackend()
}

func (st *Stack) closeBackend() error {
	if st.backend == nil {
		return nil
	}
	err := st.backend.Close()
	st.backend = nil
	if err != nil {
		return fmt.Errorf("failed to close session store: %w", err)
	}
	return nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	level := logging.ParseLevel(cfg.Level)
	if strings.EqualFold(cfg.Format, "json") {
		return logging.NewJSON(level)
	}
	return logging.New(level)
}
