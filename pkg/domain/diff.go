package domain

import (
	"reflect"
	"time"
)

// SessionDiff represents the changes between two snapshots of a session.
// It is serialized to JSON and pushed to every device watching the session.
type SessionDiff struct {
	// SessionID is always present to identify the target.
	SessionID string `json:"session_id"`

	Status        *LifecycleStatus `json:"status,omitempty"`
	WorkflowState *string          `json:"current_state,omitempty"`
	Progress      *float64         `json:"progress,omitempty"`

	// Context contains only changed, added or deleted keys.
	// For deletions, the key is present with a nil value.
	Context map[string]any `json:"context,omitempty"`

	// Messages and Transitions carry entries appended since the old snapshot.
	Messages    []Message         `json:"messages,omitempty"`
	Transitions []StateTransition `json:"transitions,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// Diff calculates the difference between oldSession and newSession.
// If oldSession is nil, it returns a diff representing the entire newSession.
// It returns nil when nothing observable changed.
func Diff(oldSession, newSession *Session) *SessionDiff {
	if newSession == nil {
		return nil
	}

	diff := &SessionDiff{
		SessionID:   newSession.id,
		LastUpdated: newSession.lastUpdatedAt,
	}

	if oldSession == nil || oldSession.status != newSession.status {
		st := newSession.status
		diff.Status = &st
	}
	if oldSession == nil || oldSession.workflowState != newSession.workflowState {
		ws := newSession.workflowState
		diff.WorkflowState = &ws
	}
	if oldSession == nil || oldSession.progress != newSession.progress {
		p := newSession.progress
		diff.Progress = &p
	}

	diff.Context = diffContext(oldSession, newSession)

	// History and transcript are append-only.
	oldMsgs, oldTrans := 0, 0
	if oldSession != nil {
		oldMsgs, oldTrans = len(oldSession.messages), len(oldSession.history)
	}
	if len(newSession.messages) > oldMsgs {
		diff.Messages = newSession.Messages()[oldMsgs:]
	}
	if len(newSession.history) > oldTrans {
		diff.Transitions = newSession.History()[oldTrans:]
	}

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

func diffContext(old *Session, new *Session) map[string]any {
	delta := make(map[string]any)

	if old == nil {
		for k, v := range new.contextData {
			delta[k] = deepCopyValue(v)
		}
		return nilIfEmpty(delta)
	}

	for k, newVal := range new.contextData {
		oldVal, exists := old.contextData[k]
		if !exists || !reflect.DeepEqual(oldVal, newVal) {
			delta[k] = deepCopyValue(newVal)
		}
	}

	for k := range old.contextData {
		if _, exists := new.contextData[k]; !exists {
			delta[k] = nil
		}
	}

	return nilIfEmpty(delta)
}

func nilIfEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *SessionDiff) IsEmpty() bool {
	return d.Status == nil &&
		d.WorkflowState == nil &&
		d.Progress == nil &&
		len(d.Context) == 0 &&
		len(d.Messages) == 0 &&
		len(d.Transitions) == 0
}
