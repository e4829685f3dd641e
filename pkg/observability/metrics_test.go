package observability_test

import (
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.SessionCreated()
	m.Transition("paused")
	m.Transition("paused")
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.SaveFailed("conflict")
	m.Swept(3, 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("paused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SaveFailures.WithLabelValues("conflict")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsSwept))

	n, err := testutil.GatherAndCount(reg, "draftkeeper_sweep_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *observability.Metrics
	assert.NotPanics(t, func() {
		m.SessionCreated()
		m.Transition("active")
		m.CacheLookup(true)
		m.SaveFailed("persistence")
		m.ConflictDetected()
		m.Swept(1, time.Second)
	})
}
