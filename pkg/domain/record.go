package domain

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Record is the flat shape persistence gateways store for a session.
// It is the only place loosely-typed storage rows meet the domain: FromRecord
// applies defaults once so business logic never sees missing fields.
type Record struct {
	DatabaseID      string            `json:"database_id,omitempty" mapstructure:"database_id"`
	SessionID       string            `json:"session_id" mapstructure:"session_id"`
	UserID          string            `json:"user_id" mapstructure:"user_id"`
	ContextType     string            `json:"context_type" mapstructure:"context_type"`
	Status          LifecycleStatus   `json:"status" mapstructure:"status"`
	CurrentState    string            `json:"current_state" mapstructure:"current_state"`
	StateHistory    []StateTransition `json:"state_history" mapstructure:"state_history"`
	ContextData     map[string]any    `json:"context_data" mapstructure:"context_data"`
	Progress        float64           `json:"progress" mapstructure:"progress"`
	ConfidenceScore float64           `json:"confidence_score" mapstructure:"confidence_score"`
	Messages        []Message         `json:"messages" mapstructure:"messages"`
	Metadata        map[string]any    `json:"metadata" mapstructure:"metadata"`
	TotalTokens     int64             `json:"total_tokens" mapstructure:"total_tokens"`
	TotalCost       float64           `json:"total_cost" mapstructure:"total_cost"`
	CreatedAt       time.Time         `json:"created_at" mapstructure:"created_at"`
	LastUpdatedAt   time.Time         `json:"last_updated_at" mapstructure:"last_updated_at"`
	PausedFromState *LifecycleStatus  `json:"paused_from_state,omitempty" mapstructure:"paused_from_state"`
	Version         int64             `json:"version" mapstructure:"version"`
}

// ToRecord serializes a session into its persisted shape.
func ToRecord(s *Session) Record {
	rec := Record{
		DatabaseID:      s.databaseID,
		SessionID:       s.id,
		UserID:          s.userID,
		ContextType:     s.contextType,
		Status:          s.status,
		CurrentState:    s.workflowState,
		StateHistory:    s.History(),
		ContextData:     deepCopyMap(s.contextData),
		Progress:        s.progress,
		ConfidenceScore: s.confidence,
		Messages:        s.Messages(),
		Metadata:        deepCopyMap(s.metadata),
		TotalTokens:     s.totalTokens,
		TotalCost:       s.totalCost,
		CreatedAt:       s.createdAt,
		LastUpdatedAt:   s.lastUpdatedAt,
		Version:         s.version,
	}
	if s.pausedFromState != nil {
		p := *s.pausedFromState
		rec.PausedFromState = &p
	}
	return rec
}

// FromRecord materializes a fully-typed session, applying defaults for absent fields.
func FromRecord(rec Record) (*Session, error) {
	if rec.SessionID == "" {
		return nil, NewValidationError("session_id", "must not be empty")
	}
	status := rec.Status
	if status == "" {
		status = StatusActive
	}
	if !status.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown lifecycle status %q", rec.Status))
	}
	workflow := rec.CurrentState
	if workflow == "" {
		workflow = DefaultWorkflowState
	}
	updated := rec.LastUpdatedAt
	if updated.IsZero() {
		updated = rec.CreatedAt
	}

	s := &Session{
		id:            rec.SessionID,
		userID:        rec.UserID,
		contextType:   rec.ContextType,
		status:        status,
		history:       make([]StateTransition, len(rec.StateHistory)),
		workflowState: workflow,
		contextData:   deepCopyMap(rec.ContextData),
		progress:      Clamp01(rec.Progress),
		confidence:    Clamp01(rec.ConfidenceScore),
		messages:      make([]Message, len(rec.Messages)),
		metadata:      deepCopyMap(rec.Metadata),
		totalTokens:   rec.TotalTokens,
		totalCost:     rec.TotalCost,
		createdAt:     rec.CreatedAt,
		lastUpdatedAt: updated,
		databaseID:    rec.DatabaseID,
		version:       rec.Version,
	}
	copy(s.history, rec.StateHistory)
	for i, m := range rec.Messages {
		m.Metadata = deepCopyMap(m.Metadata)
		s.messages[i] = m
	}
	if rec.PausedFromState != nil && status == StatusPaused {
		p := *rec.PausedFromState
		s.pausedFromState = &p
	}
	return s, nil
}

// Decode maps loosely-typed input (document rows, JSON imports) onto a tagged
// struct. Numeric strings, RFC 3339 timestamps and unix seconds are accepted
// where the target expects numbers or times.
func Decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			unixToTimeHook,
		),
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return NewValidationError("", err.Error())
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

func unixToTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	}
	return data, nil
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.StateHistory = append([]StateTransition(nil), r.StateHistory...)
	out.ContextData = deepCopyMap(r.ContextData)
	out.Metadata = deepCopyMap(r.Metadata)
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		m.Metadata = deepCopyMap(m.Metadata)
		out.Messages[i] = m
	}
	if r.PausedFromState != nil {
		p := *r.PausedFromState
		out.PausedFromState = &p
	}
	return out
}
