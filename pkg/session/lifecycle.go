package session

import (
	"context"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
)

// mutate is the load, change, save sequence shared by every mutating operation.
// fn works on a private copy, so a failed change or save never reaches the cache.
func (m *Manager) mutate(ctx context.Context, op, sessionID string, fn func(s *domain.Session, now time.Time) error) (s *domain.Session, err error) {
	ctx, span := observability.StartSpan(ctx, m.tracer, "session."+op, sessionID)
	defer func() { observability.EndSpan(span, err) }()

	err = m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		loaded, err := m.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		before := loaded.Clone()
		if err := fn(loaded, m.now()); err != nil {
			return err
		}
		if err := m.save(ctx, loaded); err != nil {
			return err
		}
		s = loaded
		m.notify(ctx, domain.Diff(before, loaded))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (m *Manager) transition(ctx context.Context, op, sessionID string, fn func(s *domain.Session, now time.Time) error) (*domain.Session, error) {
	var from domain.LifecycleStatus
	s, err := m.mutate(ctx, op, sessionID, func(s *domain.Session, now time.Time) error {
		from = s.Status()
		return fn(s, now)
	})
	if err != nil {
		return nil, err
	}
	m.metrics.Transition(string(s.Status()))
	m.logger.Info("Session transition", "session_id", sessionID, "from", from, "to", s.Status())
	return s, nil
}

// Pause moves an active session to paused.
func (m *Manager) Pause(ctx context.Context, sessionID, reason string) (*domain.Session, error) {
	return m.transition(ctx, "Pause", sessionID, func(s *domain.Session, now time.Time) error {
		return s.Pause(reason, now)
	})
}

// Resume restores a paused session to the status it was paused from.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*domain.Session, error) {
	return m.transition(ctx, "Resume", sessionID, func(s *domain.Session, now time.Time) error {
		return s.Resume(now)
	})
}

// Complete ends a session successfully, storing meta as completion metadata.
func (m *Manager) Complete(ctx context.Context, sessionID string, meta map[string]any) (*domain.Session, error) {
	return m.transition(ctx, "Complete", sessionID, func(s *domain.Session, now time.Time) error {
		return s.Complete(meta, now)
	})
}

// Abandon ends a session without completion.
func (m *Manager) Abandon(ctx context.Context, sessionID, reason string) (*domain.Session, error) {
	return m.transition(ctx, "Abandon", sessionID, func(s *domain.Session, now time.Time) error {
		return s.Abandon(reason, now)
	})
}

// Fail records that an operation on the session failed.
func (m *Manager) Fail(ctx context.Context, sessionID, reason string) (*domain.Session, error) {
	return m.transition(ctx, "Fail", sessionID, func(s *domain.Session, now time.Time) error {
		return s.Fail(reason, now)
	})
}

// AppendMessage adds msg to the transcript. Terminal sessions are read-only.
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (*domain.Session, error) {
	return m.mutate(ctx, "AppendMessage", sessionID, func(s *domain.Session, now time.Time) error {
		if err := s.EnsureMutable(); err != nil {
			return err
		}
		if msg.Type == "" {
			return domain.NewValidationError("type", "must not be empty")
		}
		content, err := SanitizeContent(msg.Content, m.maxMessageBytes)
		if err != nil {
			return err
		}
		msg.Content = content
		s.AddMessage(msg, now)
		if m.maxMessageHistory > 0 && s.MessageCount() > m.maxMessageHistory {
			m.logger.WarnContext(ctx, "Message history above configured bound",
				"session_id", sessionID, "count", s.MessageCount(), "max", m.maxMessageHistory)
		}
		return nil
	})
}

// UpdateContext replaces or merges the accumulated context data.
func (m *Manager) UpdateContext(ctx context.Context, sessionID string, data map[string]any, merge bool) (*domain.Session, error) {
	return m.mutate(ctx, "UpdateContext", sessionID, func(s *domain.Session, now time.Time) error {
		if err := s.EnsureMutable(); err != nil {
			return err
		}
		s.UpdateContext(data, merge, now)
		return nil
	})
}

// ProgressUpdate carries optional workflow-step and score changes.
// Nil fields are left unchanged.
type ProgressUpdate struct {
	WorkflowState   *string  `json:"current_state,omitempty"`
	Progress        *float64 `json:"progress,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// UpdateProgress applies the non-nil fields of u.
func (m *Manager) UpdateProgress(ctx context.Context, sessionID string, u ProgressUpdate) (*domain.Session, error) {
	return m.mutate(ctx, "UpdateProgress", sessionID, func(s *domain.Session, now time.Time) error {
		if err := s.EnsureMutable(); err != nil {
			return err
		}
		if u.WorkflowState != nil {
			s.SetWorkflowState(*u.WorkflowState, now)
		}
		if u.Progress != nil {
			s.SetProgress(*u.Progress, now)
		}
		if u.ConfidenceScore != nil {
			s.SetConfidence(*u.ConfidenceScore, now)
		}
		return nil
	})
}

// RecordUsage adds to the token and cost accumulators.
func (m *Manager) RecordUsage(ctx context.Context, sessionID string, tokens int64, cost float64) (*domain.Session, error) {
	return m.mutate(ctx, "RecordUsage", sessionID, func(s *domain.Session, now time.Time) error {
		return s.AddUsage(tokens, cost, now)
	})
}
