// Package reconcile compares a client's view of a session with the server's
// and tells the client what to fetch and whether its local edits conflict.
package reconcile

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/cespare/xxhash/v2"
)

// DefaultRecentMessages is how many of the newest messages an update payload carries.
const DefaultRecentMessages = 10

// Resolution options offered on conflict, in the order clients present them.
const (
	OptionAcceptServer = "accept_server"
	OptionKeepClient   = "keep_client"
	OptionMerge        = "merge"
)

// SessionLoader is the read side of the session manager.
type SessionLoader interface {
	Load(ctx context.Context, sessionID string) (*domain.Session, error)
}

// ClientState is what a device reports about its local copy.
type ClientState struct {
	LastUpdated  time.Time  `json:"last_updated"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	ContextHash  string     `json:"context_hash,omitempty"`
}

// ServerState summarizes the authoritative session.
type ServerState struct {
	WorkflowState string                 `json:"current_state"`
	Status        domain.LifecycleStatus `json:"status"`
	Progress      float64                `json:"progress"`
	LastUpdated   time.Time              `json:"last_updated"`
	MessageCount  int                    `json:"message_count"`
	ContextHash   string                 `json:"context_hash"`
}

// Payload is the data a stale client needs to catch up.
type Payload struct {
	WorkflowState  string           `json:"current_state"`
	Progress       float64          `json:"progress"`
	ContextData    map[string]any   `json:"context_data"`
	RecentMessages []domain.Message `json:"recent_messages"`
}

// SyncResponse is the outcome of a reconciliation.
type SyncResponse struct {
	SessionID        string      `json:"session_id"`
	ServerState      ServerState `json:"server_state"`
	NeedsUpdate      bool        `json:"needs_update"`
	Updates          *Payload    `json:"updates,omitempty"`
	ConflictDetected bool        `json:"conflict_detected"`
	Options          []string    `json:"resolution_options,omitempty"`
	ContextDiverged  bool        `json:"context_diverged,omitempty"`
}

// Reconciler answers synchronization requests.
type Reconciler struct {
	loader  SessionLoader
	recent  int
	metrics *observability.Metrics
}

// Option configures the Reconciler.
type Option func(*Reconciler)

// WithRecentMessages sets the size of the message window in update payloads.
func WithRecentMessages(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.recent = n
		}
	}
}

// WithMetrics counts detected conflicts.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// New creates a Reconciler reading sessions through loader.
func New(loader SessionLoader, opts ...Option) *Reconciler {
	r := &Reconciler{loader: loader, recent: DefaultRecentMessages}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile compares client against the stored session. A conflict is
// reported in the response, never as an error.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, client ClientState) (SyncResponse, error) {
	s, err := r.loader.Load(ctx, sessionID)
	if err != nil {
		return SyncResponse{}, err
	}
	return r.Compare(s, client), nil
}

// Compare is Reconcile over an already loaded session.
func (r *Reconciler) Compare(s *domain.Session, client ClientState) SyncResponse {
	ctxData := s.ContextData()
	server := ServerState{
		WorkflowState: s.WorkflowState(),
		Status:        s.Status(),
		Progress:      s.Progress(),
		LastUpdated:   s.LastUpdatedAt(),
		MessageCount:  s.MessageCount(),
		ContextHash:   ContextHash(ctxData),
	}
	resp := SyncResponse{SessionID: s.ID(), ServerState: server}

	if server.LastUpdated.After(client.LastUpdated) {
		resp.NeedsUpdate = true
		resp.Updates = &Payload{
			WorkflowState:  server.WorkflowState,
			Progress:       server.Progress,
			ContextData:    ctxData,
			RecentMessages: s.RecentMessages(r.recent),
		}
	}
	if client.LastModified != nil && client.LastModified.After(server.LastUpdated) {
		resp.ConflictDetected = true
		resp.Options = []string{OptionAcceptServer, OptionKeepClient, OptionMerge}
		r.metrics.ConflictDetected()
	}
	if client.ContextHash != "" && client.ContextHash != server.ContextHash {
		resp.ContextDiverged = true
	}
	return resp
}

// ContextHash fingerprints context data as the hex xxhash64 of its JSON
// encoding. Map keys are sorted by encoding/json, so equal maps hash equally.
func ContextHash(data map[string]any) string {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}
