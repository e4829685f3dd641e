package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
)

// SnapshotVersion is the only export format version Import accepts.
const SnapshotVersion = "1.0"

// Snapshot is the portable export of one session.
type Snapshot struct {
	ExportVersion   string                   `json:"export_version" mapstructure:"export_version"`
	ExportTimestamp int64                    `json:"export_timestamp" mapstructure:"export_timestamp"`
	SessionID       string                   `json:"session_id" mapstructure:"session_id"`
	UserID          string                   `json:"user_id" mapstructure:"user_id"`
	ContextType     string                   `json:"context_type" mapstructure:"context_type"`
	CurrentState    string                   `json:"current_state" mapstructure:"current_state"`
	StateHistory    []domain.StateTransition `json:"state_history" mapstructure:"state_history"`
	ContextData     map[string]any           `json:"context_data" mapstructure:"context_data"`
	Progress        float64                  `json:"progress" mapstructure:"progress"`
	Messages        []domain.Message         `json:"messages" mapstructure:"messages"`
	Metadata        map[string]any           `json:"metadata" mapstructure:"metadata"`
	CreatedAt       time.Time                `json:"created_at" mapstructure:"created_at"`
	LastUpdated     time.Time                `json:"last_updated" mapstructure:"last_updated"`
	TotalTokens     int64                    `json:"total_tokens" mapstructure:"total_tokens"`
	TotalCost       float64                  `json:"total_cost" mapstructure:"total_cost"`

	LifecycleStatus domain.LifecycleStatus  `json:"lifecycle_status,omitempty" mapstructure:"lifecycle_status"`
	ConfidenceScore float64                 `json:"confidence_score,omitempty" mapstructure:"confidence_score"`
	PausedFromState *domain.LifecycleStatus `json:"paused_from_state,omitempty" mapstructure:"paused_from_state"`
}

// NewSnapshot captures s at exportedAt.
func NewSnapshot(s *domain.Session, exportedAt time.Time) Snapshot {
	snap := Snapshot{
		ExportVersion:   SnapshotVersion,
		ExportTimestamp: exportedAt.Unix(),
		SessionID:       s.ID(),
		UserID:          s.UserID(),
		ContextType:     s.ContextType(),
		CurrentState:    s.WorkflowState(),
		StateHistory:    s.History(),
		ContextData:     s.ContextData(),
		Progress:        s.Progress(),
		Messages:        s.Messages(),
		Metadata:        s.Metadata(),
		CreatedAt:       s.CreatedAt(),
		LastUpdated:     s.LastUpdatedAt(),
		TotalTokens:     s.TotalTokens(),
		TotalCost:       s.TotalCost(),
		LifecycleStatus: s.Status(),
		ConfidenceScore: s.ConfidenceScore(),
	}
	if from, ok := s.PausedFromState(); ok {
		snap.PausedFromState = &from
	}
	return snap
}

// ParseSnapshot decodes and validates a JSON snapshot. Timestamps may be RFC 3339
// strings or unix seconds, and numeric fields may arrive as strings.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, domain.NewValidationError("snapshot", err.Error())
	}
	var snap Snapshot
	if err := domain.Decode(raw, &snap); err != nil {
		return Snapshot{}, err
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Validate checks the version, the fields Import cannot default and that the
// transition history forms one chain ending in the lifecycle status.
func (snap Snapshot) Validate() error {
	if snap.ExportVersion != SnapshotVersion {
		return domain.NewValidationError("export_version", fmt.Sprintf("unsupported version %q", snap.ExportVersion))
	}
	if snap.UserID == "" {
		return domain.NewValidationError("user_id", "must not be empty")
	}
	if snap.ContextType == "" {
		return domain.NewValidationError("context_type", "must not be empty")
	}
	if snap.CreatedAt.IsZero() {
		return domain.NewValidationError("created_at", "must be set")
	}
	if snap.LifecycleStatus != "" && !snap.LifecycleStatus.Valid() {
		return domain.NewValidationError("lifecycle_status", fmt.Sprintf("unknown lifecycle status %q", snap.LifecycleStatus))
	}
	if snap.TotalTokens < 0 || snap.TotalCost < 0 {
		return domain.NewValidationError("totals", "must not be negative")
	}
	for i, tr := range snap.StateHistory {
		if !tr.FromState.Valid() || !tr.ToState.Valid() {
			return domain.NewValidationError("state_history", fmt.Sprintf("entry %d has an unknown state", i))
		}
		if i > 0 && tr.FromState != snap.StateHistory[i-1].ToState {
			return domain.NewValidationError("state_history",
				fmt.Sprintf("entry %d starts from %s but entry %d ended in %s", i, tr.FromState, i-1, snap.StateHistory[i-1].ToState))
		}
	}
	if last, ok := snap.lastState(); ok && snap.LifecycleStatus != "" && snap.LifecycleStatus != last {
		return domain.NewValidationError("lifecycle_status",
			fmt.Sprintf("%s does not match last transition to %s", snap.LifecycleStatus, last))
	}
	return nil
}

func (snap Snapshot) lastState() (domain.LifecycleStatus, bool) {
	if len(snap.StateHistory) == 0 {
		return "", false
	}
	return snap.StateHistory[len(snap.StateHistory)-1].ToState, true
}

// status is the lifecycle status to import with. Snapshots that predate the
// lifecycle_status field carry it only as the last transition.
func (snap Snapshot) status() domain.LifecycleStatus {
	if snap.LifecycleStatus != "" {
		return snap.LifecycleStatus
	}
	if last, ok := snap.lastState(); ok {
		return last
	}
	return domain.StatusActive
}

// Export produces a snapshot of the session.
func (m *Manager) Export(ctx context.Context, sessionID string) (snap Snapshot, err error) {
	ctx, span := observability.StartSpan(ctx, m.tracer, "session.Export", sessionID)
	defer func() { observability.EndSpan(span, err) }()

	s, err := m.Load(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(s, m.now()), nil
}

// Import recreates a session from snap under a fresh ID and persists it as a
// new record. Messages are replayed through the entity rather than assigned.
// The import does not count against the per-user active limit.
func (m *Manager) Import(ctx context.Context, snap Snapshot) (s *domain.Session, err error) {
	ctx, span := observability.StartSpan(ctx, m.tracer, "session.Import", snap.SessionID)
	defer func() { observability.EndSpan(span, err) }()

	if err := snap.Validate(); err != nil {
		return nil, err
	}

	rec := domain.Record{
		SessionID:       m.newID(),
		UserID:          snap.UserID,
		ContextType:     snap.ContextType,
		Status:          snap.status(),
		CurrentState:    snap.CurrentState,
		StateHistory:    snap.StateHistory,
		ContextData:     snap.ContextData,
		Progress:        snap.Progress,
		ConfidenceScore: snap.ConfidenceScore,
		Metadata:        snap.Metadata,
		TotalTokens:     snap.TotalTokens,
		TotalCost:       snap.TotalCost,
		CreatedAt:       snap.CreatedAt,
		LastUpdatedAt:   snap.LastUpdated,
		PausedFromState: snap.PausedFromState,
	}
	imported, err := domain.FromRecord(rec)
	if err != nil {
		return nil, err
	}
	for _, msg := range snap.Messages {
		at := msg.Timestamp
		if at.IsZero() {
			at = m.now()
		}
		imported.AddMessage(msg, at)
	}
	if !snap.LastUpdated.IsZero() {
		imported.Touch(snap.LastUpdated)
	}

	if err := m.insert(ctx, imported); err != nil {
		return nil, err
	}
	m.logger.Info("Session imported", "session_id", imported.ID(), "from", snap.SessionID, "user_id", snap.UserID)
	m.notify(ctx, domain.Diff(nil, imported))
	return imported.Clone(), nil
}
