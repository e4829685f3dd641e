package ports_test

import (
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"github.com/stretchr/testify/assert"
)

func TestAbandonRecord(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cutoff := at.Add(-24 * time.Hour)
	paused := domain.StatusActive
	rec := domain.Record{
		SessionID:       "s",
		Status:          domain.StatusActive,
		Version:         2,
		PausedFromState: &paused,
		LastUpdatedAt:   cutoff.Add(-time.Minute),
	}

	assert.True(t, ports.AbandonRecord(&rec, cutoff, at, "idle timeout"))
	assert.Equal(t, domain.StatusAbandoned, rec.Status)
	assert.Equal(t, int64(3), rec.Version)
	assert.Nil(t, rec.PausedFromState)
	assert.Equal(t, at, rec.LastUpdatedAt)
	assert.Len(t, rec.StateHistory, 1)

	assert.False(t, ports.AbandonRecord(&rec, cutoff, at, "again"))
	assert.Equal(t, int64(3), rec.Version)
	assert.Len(t, rec.StateHistory, 1)
}

func TestAbandonRecord_SkipsRecentlyTouched(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cutoff := at.Add(-24 * time.Hour)

	for _, updated := range []time.Time{cutoff, cutoff.Add(time.Second), at} {
		rec := domain.Record{SessionID: "s", Status: domain.StatusActive, Version: 4, LastUpdatedAt: updated}
		assert.False(t, ports.AbandonRecord(&rec, cutoff, at, "idle timeout"), "updated at %s", updated)
		assert.Equal(t, domain.StatusActive, rec.Status)
		assert.Equal(t, int64(4), rec.Version)
		assert.Empty(t, rec.StateHistory)
	}
}
