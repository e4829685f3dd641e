package domain

import (
	"maps"
	"math"
	"time"
)

// LifecycleStatus governs whether a session counts toward limits and which transitions are legal.
type LifecycleStatus string

const (
	StatusActive    LifecycleStatus = "active"
	StatusPaused    LifecycleStatus = "paused"
	StatusCompleted LifecycleStatus = "completed"
	StatusAbandoned LifecycleStatus = "abandoned"
	StatusError     LifecycleStatus = "error"
)

// IsTerminal reports whether no transition may leave this status.
func (s LifecycleStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Valid reports whether s belongs to the lifecycle state set.
func (s LifecycleStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusAbandoned, StatusError:
		return true
	}
	return false
}

// Message is one entry of the conversation transcript.
type Message struct {
	Type      string         `json:"type" bson:"type" mapstructure:"type"`
	Content   string         `json:"content" bson:"content" mapstructure:"content"`
	Metadata  map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty" mapstructure:"metadata"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp" mapstructure:"timestamp"`
}

// StateTransition records one applied lifecycle transition.
type StateTransition struct {
	FromState LifecycleStatus `json:"from_state" bson:"from_state" mapstructure:"from_state"`
	ToState   LifecycleStatus `json:"to_state" bson:"to_state" mapstructure:"to_state"`
	Reason    string          `json:"reason,omitempty" bson:"reason,omitempty" mapstructure:"reason"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp" mapstructure:"timestamp"`
}

// Session is the authoritative in-memory representation of one drafting conversation.
// Fields are only reachable through methods so that every mutation goes through
// the lifecycle rules below.
type Session struct {
	id          string
	userID      string
	contextType string

	status          LifecycleStatus
	pausedFromState *LifecycleStatus
	history         []StateTransition

	workflowState string
	contextData   map[string]any
	progress      float64
	confidence    float64
	messages      []Message
	metadata      map[string]any

	totalTokens int64
	totalCost   float64

	createdAt     time.Time
	lastUpdatedAt time.Time

	databaseID string
	version    int64
	dirty      bool
}

// NewSession creates a fresh active session with an empty history.
func NewSession(id, userID, contextType string, now time.Time) *Session {
	return &Session{
		id:            id,
		userID:        userID,
		contextType:   contextType,
		status:        StatusActive,
		history:       []StateTransition{},
		workflowState: DefaultWorkflowState,
		contextData:   make(map[string]any),
		messages:      []Message{},
		metadata:      make(map[string]any),
		createdAt:     now,
		lastUpdatedAt: now,
		dirty:         true,
	}
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) UserID() string              { return s.userID }
func (s *Session) ContextType() string         { return s.contextType }
func (s *Session) Status() LifecycleStatus     { return s.status }
func (s *Session) WorkflowState() string       { return s.workflowState }
func (s *Session) Progress() float64           { return s.progress }
func (s *Session) ConfidenceScore() float64    { return s.confidence }
func (s *Session) TotalTokens() int64          { return s.totalTokens }
func (s *Session) TotalCost() float64          { return s.totalCost }
func (s *Session) CreatedAt() time.Time        { return s.createdAt }
func (s *Session) LastUpdatedAt() time.Time    { return s.lastUpdatedAt }
func (s *Session) DatabaseID() string          { return s.databaseID }
func (s *Session) Version() int64              { return s.version }
func (s *Session) IsDirty() bool               { return s.dirty }
func (s *Session) MessageCount() int           { return len(s.messages) }
func (s *Session) TransitionCount() int        { return len(s.history) }
func (s *Session) IsPersisted() bool           { return s.databaseID != "" }
func (s *Session) ContextData() map[string]any { return deepCopyMap(s.contextData) }
func (s *Session) Metadata() map[string]any    { return deepCopyMap(s.metadata) }

// PausedFromState returns the status recorded by the last pause, if any.
func (s *Session) PausedFromState() (LifecycleStatus, bool) {
	if s.pausedFromState == nil {
		return "", false
	}
	return *s.pausedFromState, true
}

// History returns a copy of the transition history.
func (s *Session) History() []StateTransition {
	out := make([]StateTransition, len(s.history))
	copy(out, s.history)
	return out
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m
		out[i].Metadata = deepCopyMap(m.Metadata)
	}
	return out
}

// RecentMessages returns up to n of the newest messages, oldest first.
func (s *Session) RecentMessages(n int) []Message {
	all := s.Messages()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Pause moves an active session to paused.
func (s *Session) Pause(reason string, now time.Time) error {
	if err := s.check(StatusPaused, StatusActive); err != nil {
		return err
	}
	from := s.status
	s.pausedFromState = &from
	s.apply(StatusPaused, reason, now)
	return nil
}

// Resume restores the status a paused session held before pausing.
func (s *Session) Resume(now time.Time) error {
	if err := s.check(StatusActive, StatusPaused); err != nil {
		return err
	}
	to := StatusActive
	if s.pausedFromState != nil {
		to = *s.pausedFromState
	}
	s.pausedFromState = nil
	s.apply(to, "resumed", now)
	return nil
}

// Complete ends the session successfully. meta is stored under the "completion" metadata key.
func (s *Session) Complete(meta map[string]any, now time.Time) error {
	if err := s.check(StatusCompleted, StatusActive, StatusPaused); err != nil {
		return err
	}
	if len(meta) > 0 {
		s.metadata[MetadataCompletionKey] = deepCopyMap(meta)
	}
	s.pausedFromState = nil
	s.apply(StatusCompleted, "completed", now)
	return nil
}

// Abandon ends the session without completion.
func (s *Session) Abandon(reason string, now time.Time) error {
	if err := s.check(StatusAbandoned, StatusActive, StatusPaused); err != nil {
		return err
	}
	s.pausedFromState = nil
	s.apply(StatusAbandoned, reason, now)
	return nil
}

// Fail records that an operation on the session failed.
func (s *Session) Fail(reason string, now time.Time) error {
	if err := s.check(StatusError, StatusActive, StatusPaused); err != nil {
		return err
	}
	s.apply(StatusError, reason, now)
	return nil
}

func (s *Session) check(to LifecycleStatus, allowed ...LifecycleStatus) error {
	if s.status.IsTerminal() {
		return &TerminalStateError{SessionID: s.id, Status: s.status, Attempted: to}
	}
	for _, a := range allowed {
		if s.status == a {
			return nil
		}
	}
	return &TransitionError{SessionID: s.id, From: s.status, To: to}
}

func (s *Session) apply(to LifecycleStatus, reason string, now time.Time) {
	s.history = append(s.history, StateTransition{
		FromState: s.status,
		ToState:   to,
		Reason:    reason,
		Timestamp: now,
	})
	s.status = to
	s.touch(now)
}

// AddMessage appends a message. A zero timestamp is replaced with now.
func (s *Session) AddMessage(msg Message, now time.Time) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.Metadata = deepCopyMap(msg.Metadata)
	s.messages = append(s.messages, msg)
	s.touch(now)
}

// UpdateContext replaces the context data, or merges into it key by key.
func (s *Session) UpdateContext(data map[string]any, merge bool, now time.Time) {
	if !merge {
		s.contextData = make(map[string]any, len(data))
	}
	for k, v := range deepCopyMap(data) {
		s.contextData[k] = v
	}
	s.touch(now)
}

// SetWorkflowState records the caller-defined workflow step.
func (s *Session) SetWorkflowState(state string, now time.Time) {
	if state == "" {
		return
	}
	s.workflowState = state
	s.touch(now)
}

// SetProgress stores progress clamped to [0,1].
func (s *Session) SetProgress(p float64, now time.Time) {
	s.progress = Clamp01(p)
	s.touch(now)
}

// SetConfidence stores the confidence score clamped to [0,1].
func (s *Session) SetConfidence(c float64, now time.Time) {
	s.confidence = Clamp01(c)
	s.touch(now)
}

// AddUsage increments the token and cost accumulators.
func (s *Session) AddUsage(tokens int64, cost float64, now time.Time) error {
	if tokens < 0 {
		return NewValidationError("total_tokens", "increment must not be negative")
	}
	if cost < 0 || math.IsNaN(cost) {
		return NewValidationError("total_cost", "increment must not be negative")
	}
	s.totalTokens += tokens
	s.totalCost += cost
	s.touch(now)
	return nil
}

// SetMetadata merges caller-supplied metadata.
func (s *Session) SetMetadata(meta map[string]any, now time.Time) {
	maps.Copy(s.metadata, deepCopyMap(meta))
	s.touch(now)
}

// Touch sets the last update time without any other change.
func (s *Session) Touch(at time.Time) { s.touch(at) }

func (s *Session) touch(now time.Time) {
	s.lastUpdatedAt = now
	s.dirty = true
}

// MarkPersisted records a successful durable write.
// The database ID is only assigned once.
func (s *Session) MarkPersisted(databaseID string, version int64) {
	if s.databaseID == "" {
		s.databaseID = databaseID
	}
	s.version = version
	s.dirty = false
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.pausedFromState != nil {
		p := *s.pausedFromState
		c.pausedFromState = &p
	}
	c.history = s.History()
	c.messages = s.Messages()
	c.contextData = deepCopyMap(s.contextData)
	c.metadata = deepCopyMap(s.metadata)
	return &c
}

// Clamp01 clamps v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// EnsureMutable returns a *TerminalStateError if the session can no longer change.
func (s *Session) EnsureMutable() error {
	if s.status.IsTerminal() {
		return &TerminalStateError{SessionID: s.id, Status: s.status}
	}
	return nil
}
