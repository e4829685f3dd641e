package domain_test

import (
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_RoundTrip(t *testing.T) {
	s := newSession()
	s.UpdateContext(map[string]any{"title": "Go 101"}, true, t0)
	s.AddMessage(domain.Message{Type: "user", Content: "hi"}, t0.Add(time.Second))
	require.NoError(t, s.AddUsage(10, 0.5, t0.Add(time.Second)))
	require.NoError(t, s.Pause("break", t0.Add(2*time.Second)))
	s.MarkPersisted("db-9", 3)

	rec := domain.ToRecord(s)
	assert.Equal(t, "db-9", rec.DatabaseID)
	assert.Equal(t, int64(3), rec.Version)
	require.NotNil(t, rec.PausedFromState)
	assert.Equal(t, domain.StatusActive, *rec.PausedFromState)

	back, err := domain.FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, s.Status(), back.Status())
	assert.Equal(t, s.History(), back.History())
	assert.Equal(t, s.Messages(), back.Messages())
	assert.Equal(t, s.ContextData(), back.ContextData())
	assert.Equal(t, s.LastUpdatedAt(), back.LastUpdatedAt())
	assert.Equal(t, int64(10), back.TotalTokens())
	assert.False(t, back.IsDirty())

	require.NoError(t, back.Resume(t0.Add(3*time.Second)))
	assert.Equal(t, domain.StatusActive, back.Status())
}

func TestFromRecord_AppliesDefaults(t *testing.T) {
	s, err := domain.FromRecord(domain.Record{SessionID: "s", CreatedAt: t0})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, s.Status())
	assert.Equal(t, domain.DefaultWorkflowState, s.WorkflowState())
	assert.Equal(t, t0, s.LastUpdatedAt())
	assert.NotNil(t, s.ContextData())
	assert.Empty(t, s.History())
}

func TestFromRecord_Rejects(t *testing.T) {
	_, err := domain.FromRecord(domain.Record{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = domain.FromRecord(domain.Record{SessionID: "s", Status: "sleeping"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecode_LooseRecordInput(t *testing.T) {
	raw := map[string]any{
		"session_id":      "s-1",
		"user_id":         "u-1",
		"status":          "paused",
		"progress":        "0.5",
		"total_tokens":    42.0,
		"created_at":      "2026-01-10T09:00:00Z",
		"last_updated_at": float64(t0.Add(time.Hour).Unix()),
		"context_data":    map[string]any{"k": "v"},
		"messages": []any{
			map[string]any{"type": "user", "content": "hello", "timestamp": "2026-01-10T09:00:01Z"},
		},
	}

	var rec domain.Record
	require.NoError(t, domain.Decode(raw, &rec))

	assert.Equal(t, "s-1", rec.SessionID)
	assert.Equal(t, domain.StatusPaused, rec.Status)
	assert.Equal(t, 0.5, rec.Progress)
	assert.Equal(t, int64(42), rec.TotalTokens)
	assert.True(t, t0.Equal(rec.CreatedAt))
	assert.True(t, t0.Add(time.Hour).Equal(rec.LastUpdatedAt))
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "hello", rec.Messages[0].Content)
	assert.True(t, t0.Add(time.Second).Equal(rec.Messages[0].Timestamp))
}
