package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "draftkeeper"

// Metrics groups the collectors exported by the session manager.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	Transitions       *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	SaveFailures      *prometheus.CounterVec
	ConflictsDetected prometheus.Counter
	SessionsSwept     prometheus.Counter
	SweepDuration     prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Lifecycle transitions applied, by target status.",
		}, []string{"to"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Session cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Session cache misses.",
		}),
		SaveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_failures_total",
			Help:      "Failed durable writes, by kind.",
		}, []string{"kind"}),
		ConflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Synchronization requests that reported a conflict.",
		}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Sessions abandoned by the idle sweeper.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweeper runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsCreated, m.Transitions, m.CacheHits, m.CacheMisses,
			m.SaveFailures, m.ConflictsDetected, m.SessionsSwept, m.SweepDuration,
		)
	}
	return m
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

// CacheLookup records a hit or a miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// SaveFailed records a failed write. kind is "conflict" or "persistence".
func (m *Metrics) SaveFailed(kind string) {
	if m == nil {
		return
	}
	m.SaveFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ConflictDetected() {
	if m == nil {
		return
	}
	m.ConflictsDetected.Inc()
}

// Swept records one sweeper run.
func (m *Metrics) Swept(n int, took time.Duration) {
	if m == nil {
		return
	}
	m.SessionsSwept.Add(float64(n))
	m.SweepDuration.Observe(took.Seconds())
}
