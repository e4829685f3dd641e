package ports

import (
	"context"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
)

// Gateway is the durable store for session records.
// Every method is a single round trip to the backing store.
type Gateway interface {
	// Insert stores a new record and returns its database ID.
	// Returns domain.ErrDuplicateSession if the session ID already exists.
	Insert(ctx context.Context, rec domain.Record) (string, error)

	// GetByID retrieves a record by database ID.
	// Returns domain.ErrSessionNotFound if it does not exist.
	GetByID(ctx context.Context, databaseID string) (domain.Record, error)

	// GetBySessionID retrieves a record by session ID.
	// Returns domain.ErrSessionNotFound if it does not exist.
	GetBySessionID(ctx context.Context, sessionID string) (domain.Record, error)

	// GetBySessionIDs retrieves many records at once. Unknown IDs are absent from the result.
	GetBySessionIDs(ctx context.Context, sessionIDs []string) (map[string]domain.Record, error)

	// Update replaces the stored record if its version equals rec.Version.
	// On success the stored version becomes rec.Version+1; otherwise a
	// *domain.ConcurrentModificationError is returned.
	Update(ctx context.Context, databaseID string, rec domain.Record) error

	// Delete removes a record. Returns domain.ErrSessionNotFound if it does not exist.
	Delete(ctx context.Context, databaseID string) error

	// GetExpired lists active records whose last update is before olderThan.
	GetExpired(ctx context.Context, olderThan time.Time) ([]domain.Record, error)

	// BatchAbandon marks the given sessions abandoned in one call, skipping any
	// that are no longer active or were updated at or after olderThan.
	// It returns the number of records changed.
	BatchAbandon(ctx context.Context, sessionIDs []string, olderThan, at time.Time, reason string) (int, error)

	// CountActiveForUser counts the user's sessions in status active.
	CountActiveForUser(ctx context.Context, userID string) (int, error)

	// GetOldestActiveForUser returns the user's active session with the earliest creation time.
	// Returns domain.ErrSessionNotFound if the user has none.
	GetOldestActiveForUser(ctx context.Context, userID string) (domain.Record, error)

	// ListForUser returns all of the user's sessions, oldest first.
	ListForUser(ctx context.Context, userID string) ([]domain.Record, error)
}

// AbandonRecord applies the batch-abandon mutation to a stored record.
// Adapters that cannot express it natively share this so they agree on the result.
// It reports false when the record is not active or is no longer idle at olderThan.
func AbandonRecord(rec *domain.Record, olderThan, at time.Time, reason string) bool {
	if rec.Status != domain.StatusActive || !rec.LastUpdatedAt.Before(olderThan) {
		return false
	}
	rec.StateHistory = append(rec.StateHistory, domain.StateTransition{
		FromState: domain.StatusActive,
		ToState:   domain.StatusAbandoned,
		Reason:    reason,
		Timestamp: at,
	})
	rec.Status = domain.StatusAbandoned
	rec.PausedFromState = nil
	rec.LastUpdatedAt = at
	rec.Version++
	return true
}
