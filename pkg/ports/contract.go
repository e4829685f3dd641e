package ports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// GatewayFactory returns an empty gateway for one subtest.
type GatewayFactory func(t *testing.T) Gateway

var contractEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func contractRecord(sessionID, userID string, status domain.LifecycleStatus, created, updated time.Time) domain.Record {
	return domain.Record{
		SessionID:    sessionID,
		UserID:       userID,
		ContextType:  "course_creation",
		Status:       status,
		CurrentState: "outline",
		StateHistory: []domain.StateTransition{},
		ContextData:  map[string]any{"title": "Intro to Go", "weeks": 6.0},
		Progress:     0.25,
		Messages: []domain.Message{
			{Type: "user", Content: "draft week one", Timestamp: created},
		},
		Metadata:      map[string]any{"source": "contract"},
		TotalTokens:   12,
		TotalCost:     0.5,
		CreatedAt:     created,
		LastUpdatedAt: updated,
	}
}

// RunGatewayContract verifies that a Gateway implementation honors the interface contract.
func RunGatewayContract(t *testing.T, factory GatewayFactory) {
	ctx := context.Background()

	t.Run("Insert and Get", func(t *testing.T) {
		gw := factory(t)
		rec := contractRecord("s-1", "u-1", domain.StatusActive, contractEpoch, contractEpoch)

		dbID, err := gw.Insert(ctx, rec)
		require.NoError(t, err)
		require.NotEmpty(t, dbID)

		bySession, err := gw.GetBySessionID(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, dbID, bySession.DatabaseID)
		assert.Equal(t, "u-1", bySession.UserID)
		assert.Equal(t, domain.StatusActive, bySession.Status)
		assert.Equal(t, "Intro to Go", bySession.ContextData["title"])
		assert.Equal(t, int64(0), bySession.Version)
		assert.True(t, contractEpoch.Equal(bySession.CreatedAt))
		require.Len(t, bySession.Messages, 1)
		assert.Equal(t, "draft week one", bySession.Messages[0].Content)

		byID, err := gw.GetByID(ctx, dbID)
		require.NoError(t, err)
		assert.Equal(t, "s-1", byID.SessionID)
	})

	t.Run("Insert Duplicate", func(t *testing.T) {
		gw := factory(t)
		rec := contractRecord("dup", "u-1", domain.StatusActive, contractEpoch, contractEpoch)
		_, err := gw.Insert(ctx, rec)
		require.NoError(t, err)

		_, err = gw.Insert(ctx, rec)
		assert.ErrorIs(t, err, domain.ErrDuplicateSession)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		gw := factory(t)
		_, err := gw.GetBySessionID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		_, err = gw.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Batch Get", func(t *testing.T) {
		gw := factory(t)
		for i := 1; i <= 3; i++ {
			id := fmt.Sprintf("b-%d", i)
			_, err := gw.Insert(ctx, contractRecord(id, "u-1", domain.StatusActive, contractEpoch, contractEpoch))
			require.NoError(t, err)
		}

		got, err := gw.GetBySessionIDs(ctx, []string{"b-1", "b-3", "nope"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Contains(t, got, "b-1")
		assert.Contains(t, got, "b-3")

		empty, err := gw.GetBySessionIDs(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Update With Version Check", func(t *testing.T) {
		gw := factory(t)
		rec := contractRecord("u-s", "u-1", domain.StatusActive, contractEpoch, contractEpoch)
		dbID, err := gw.Insert(ctx, rec)
		require.NoError(t, err)

		rec.DatabaseID = dbID
		rec.Progress = 0.75
		rec.LastUpdatedAt = contractEpoch.Add(time.Minute)
		require.NoError(t, gw.Update(ctx, dbID, rec))

		stored, err := gw.GetByID(ctx, dbID)
		require.NoError(t, err)
		assert.Equal(t, 0.75, stored.Progress)
		assert.Equal(t, int64(1), stored.Version)

		// rec still carries version 0
		err = gw.Update(ctx, dbID, rec)
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)

		rec.Version = stored.Version
		require.NoError(t, gw.Update(ctx, dbID, rec))
	})

	t.Run("Update Non-Existent", func(t *testing.T) {
		gw := factory(t)
		rec := contractRecord("ghost", "u-1", domain.StatusActive, contractEpoch, contractEpoch)
		err := gw.Update(ctx, "000000000000000000000000", rec)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		gw := factory(t)
		dbID, err := gw.Insert(ctx, contractRecord("d-1", "u-1", domain.StatusActive, contractEpoch, contractEpoch))
		require.NoError(t, err)

		require.NoError(t, gw.Delete(ctx, dbID))
		_, err = gw.GetBySessionID(ctx, "d-1")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		assert.ErrorIs(t, gw.Delete(ctx, dbID), domain.ErrSessionNotFound)
	})

	t.Run("Expired And Batch Abandon", func(t *testing.T) {
		gw := factory(t)
		stale := contractEpoch.Add(-48 * time.Hour)
		fresh := contractEpoch.Add(-time.Hour)
		for _, r := range []domain.Record{
			contractRecord("old-active", "u-1", domain.StatusActive, stale, stale),
			contractRecord("old-paused", "u-1", domain.StatusPaused, stale, stale),
			contractRecord("new-active", "u-1", domain.StatusActive, fresh, fresh),
		} {
			_, err := gw.Insert(ctx, r)
			require.NoError(t, err)
		}

		cutoff := contractEpoch.Add(-24 * time.Hour)
		expired, err := gw.GetExpired(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "old-active", expired[0].SessionID)

		n, err := gw.BatchAbandon(ctx, []string{"old-active", "old-paused", "new-active"}, cutoff, contractEpoch, domain.ReasonIdleTimeout)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		abandoned, err := gw.GetBySessionID(ctx, "old-active")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAbandoned, abandoned.Status)
		assert.Equal(t, int64(1), abandoned.Version)
		assert.True(t, contractEpoch.Equal(abandoned.LastUpdatedAt))
		require.Len(t, abandoned.StateHistory, 1)
		assert.Equal(t, domain.StatusActive, abandoned.StateHistory[0].FromState)
		assert.Equal(t, domain.StatusAbandoned, abandoned.StateHistory[0].ToState)
		assert.Equal(t, domain.ReasonIdleTimeout, abandoned.StateHistory[0].Reason)

		paused, err := gw.GetBySessionID(ctx, "old-paused")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPaused, paused.Status)

		recent, err := gw.GetBySessionID(ctx, "new-active")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, recent.Status)
		assert.Equal(t, int64(0), recent.Version)

		again, err := gw.BatchAbandon(ctx, []string{"old-active"}, cutoff, contractEpoch, domain.ReasonIdleTimeout)
		require.NoError(t, err)
		assert.Equal(t, 0, again)

		expired, err = gw.GetExpired(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})

	t.Run("Per-User Queries", func(t *testing.T) {
		gw := factory(t)
		for i, status := range []domain.LifecycleStatus{
			domain.StatusActive, domain.StatusActive, domain.StatusCompleted, domain.StatusActive,
		} {
			created := contractEpoch.Add(time.Duration(i) * time.Minute)
			_, err := gw.Insert(ctx, contractRecord(fmt.Sprintf("p-%d", i), "owner", status, created, created))
			require.NoError(t, err)
		}
		_, err := gw.Insert(ctx, contractRecord("other", "someone-else", domain.StatusActive, contractEpoch, contractEpoch))
		require.NoError(t, err)

		count, err := gw.CountActiveForUser(ctx, "owner")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		oldest, err := gw.GetOldestActiveForUser(ctx, "owner")
		require.NoError(t, err)
		assert.Equal(t, "p-0", oldest.SessionID)

		all, err := gw.ListForUser(ctx, "owner")
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "p-0", all[0].SessionID)
		assert.Equal(t, "p-3", all[3].SessionID)

		_, err = gw.GetOldestActiveForUser(ctx, "nobody")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		zero, err := gw.CountActiveForUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, 0, zero)
	})
}
