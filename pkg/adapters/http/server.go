// Package http exposes the session manager over a JSON REST API with a
// server-sent event stream per session.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/draftkeeper/internal/logging"
	"github.com/aretw0/draftkeeper/pkg/analytics"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/reconcile"
	"github.com/aretw0/draftkeeper/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds request bodies; imports carry whole transcripts.
const maxBodyBytes = 8 << 20

// Sweeper runs an expiry pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context, threshold time.Duration) (int, error)
}

// Options wires the handler. Manager is required.
type Options struct {
	Manager       *session.Manager
	Reconciler    *reconcile.Reconciler
	Sweeper       Sweeper
	IdleThreshold time.Duration
	Streams       *StreamManager
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
	Version       string
}

// Server implements the REST handlers.
type Server struct {
	manager       *session.Manager
	reconciler    *reconcile.Reconciler
	sweeper       Sweeper
	idleThreshold time.Duration
	streams       *StreamManager
	logger        *slog.Logger
	version       string
	apiVersion    string
}

// NewHandler validates the embedded OpenAPI document and builds the router.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Manager == nil {
		return nil, errors.New("http: manager is required")
	}
	spec, err := LoadSpec(context.Background())
	if err != nil {
		return nil, err
	}

	s := &Server{
		manager:       opts.Manager,
		reconciler:    opts.Reconciler,
		sweeper:       opts.Sweeper,
		idleThreshold: opts.IdleThreshold,
		streams:       opts.Streams,
		logger:        opts.Logger,
		version:       opts.Version,
		apiVersion:    spec.Info.Version,
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	s.logger = s.logger.With(slog.String("component", "http"))
	if s.reconciler == nil {
		s.reconciler = reconcile.New(opts.Manager)
	}
	if s.streams == nil {
		s.streams = NewStreamManager(s.logger)
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(RawSpec())
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.CreateSession)
		r.Post("/batch", s.GetSessions)
		r.Post("/import", s.ImportSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.GetSession)
			r.Delete("/", s.DeleteSession)
			r.Post("/pause", s.PauseSession)
			r.Post("/resume", s.ResumeSession)
			r.Post("/complete", s.CompleteSession)
			r.Post("/abandon", s.AbandonSession)
			r.Post("/fail", s.FailSession)
			r.Post("/messages", s.AppendMessage)
			r.Patch("/context", s.UpdateContext)
			r.Patch("/progress", s.UpdateProgress)
			r.Post("/usage", s.RecordUsage)
			r.Get("/export", s.ExportSession)
			r.Post("/sync", s.SyncSession)
			r.Get("/analytics", s.GetAnalytics)
			r.Get("/events", s.SubscribeEvents)
		})
	})
	r.Get("/users/{userID}/sessions", s.ListUserSessions)
	r.Post("/admin/sweep", s.Sweep)

	return r, nil
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":         "draftkeeper",
		"version":     strings.TrimSpace(s.version),
		"api_version": s.apiVersion,
	})
}

// CreateSession handles POST /sessions.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	created, err := s.manager.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, domain.ToRecord(created))
}

// GetSession handles GET /sessions/{sessionID}.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	loaded, err := s.manager.Load(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, domain.ToRecord(loaded))
}

type batchRequest struct {
	SessionIDs []string `json:"session_ids"`
}

type batchResponse struct {
	Sessions map[string]domain.Record `json:"sessions"`
	Missing  []string                 `json:"missing"`
}

// GetSessions handles POST /sessions/batch.
func (s *Server) GetSessions(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	found, err := s.manager.LoadMany(r.Context(), req.SessionIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := batchResponse{Sessions: make(map[string]domain.Record, len(found)), Missing: []string{}}
	for _, id := range req.SessionIDs {
		if sess, ok := found[id]; ok {
			resp.Sessions[id] = domain.ToRecord(sess)
		} else {
			resp.Missing = append(resp.Missing, id)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// DeleteSession handles DELETE /sessions/{sessionID}.
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// PauseSession handles POST /sessions/{sessionID}/pause.
func (s *Server) PauseSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	s.respond(w, r)(s.manager.Pause(r.Context(), chi.URLParam(r, "sessionID"), req.Reason))
}

// ResumeSession handles POST /sessions/{sessionID}/resume.
func (s *Server) ResumeSession(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r)(s.manager.Resume(r.Context(), chi.URLParam(r, "sessionID")))
}

// CompleteSession handles POST /sessions/{sessionID}/complete.
func (s *Server) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]any `json:"metadata"`
	}
	if !s.decode(w, r, &req, false) {
		return
	}
	s.respond(w, r)(s.manager.Complete(r.Context(), chi.URLParam(r, "sessionID"), req.Metadata))
}

// AbandonSession handles POST /sessions/{sessionID}/abandon.
func (s *Server) AbandonSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if req.Reason == "" {
		req.Reason = "abandoned by user"
	}
	s.respond(w, r)(s.manager.Abandon(r.Context(), chi.URLParam(r, "sessionID"), req.Reason))
}

// FailSession handles POST /sessions/{sessionID}/fail.
func (s *Server) FailSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operation failed"
	}
	s.respond(w, r)(s.manager.Fail(r.Context(), chi.URLParam(r, "sessionID"), req.Reason))
}

// AppendMessage handles POST /sessions/{sessionID}/messages.
func (s *Server) AppendMessage(w http.ResponseWriter, r *http.Request) {
	var msg domain.Message
	if !s.decode(w, r, &msg, true) {
		return
	}
	s.respond(w, r)(s.manager.AppendMessage(r.Context(), chi.URLParam(r, "sessionID"), msg))
}

// UpdateContext handles PATCH /sessions/{sessionID}/context.
func (s *Server) UpdateContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data  map[string]any `json:"data"`
		Merge *bool          `json:"merge"`
	}
	if !s.decode(w, r, &req, true) {
		return
	}
	merge := req.Merge == nil || *req.Merge
	s.respond(w, r)(s.manager.UpdateContext(r.Context(), chi.URLParam(r, "sessionID"), req.Data, merge))
}

// UpdateProgress handles PATCH /sessions/{sessionID}/progress.
func (s *Server) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req session.ProgressUpdate
	if !s.decode(w, r, &req, true) {
		return
	}
	s.respond(w, r)(s.manager.UpdateProgress(r.Context(), chi.URLParam(r, "sessionID"), req))
}

// RecordUsage handles POST /sessions/{sessionID}/usage.
func (s *Server) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tokens int64   `json:"tokens"`
		Cost   float64 `json:"cost"`
	}
	if !s.decode(w, r, &req, true) {
		return
	}
	s.respond(w, r)(s.manager.RecordUsage(r.Context(), chi.URLParam(r, "sessionID"), req.Tokens, req.Cost))
}

// ExportSession handles GET /sessions/{sessionID}/export.
func (s *Server) ExportSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Export(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// ImportSession handles POST /sessions/import.
func (s *Server) ImportSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, domain.NewValidationError("body", err.Error()))
		return
	}
	snap, err := session.ParseSnapshot(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	imported, err := s.manager.Import(r.Context(), snap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, domain.ToRecord(imported))
}

// SyncSession handles POST /sessions/{sessionID}/sync.
func (s *Server) SyncSession(w http.ResponseWriter, r *http.Request) {
	var client reconcile.ClientState
	if !s.decode(w, r, &client, false) {
		return
	}
	resp, err := s.reconciler.Reconcile(r.Context(), chi.URLParam(r, "sessionID"), client)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetAnalytics handles GET /sessions/{sessionID}/analytics.
func (s *Server) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	loaded, err := s.manager.Load(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analytics.Summarize(loaded, s.manager.Now()))
}

// ListUserSessions handles GET /users/{userID}/sessions.
func (s *Server) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	status := domain.LifecycleStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(w, r, domain.NewValidationError("status", fmt.Sprintf("unknown lifecycle status %q", status)))
		return
	}
	sessions, err := s.manager.ListForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]domain.Record, 0, len(sessions))
	for _, sess := range sessions {
		if status == "" || sess.Status() == status {
			out = append(out, domain.ToRecord(sess))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// Sweep handles POST /admin/sweep.
func (s *Server) Sweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		http.Error(w, "sweeper not configured", http.StatusNotImplemented)
		return
	}
	var req struct {
		IdleThreshold string `json:"idle_threshold"`
	}
	if !s.decode(w, r, &req, false) {
		return
	}
	threshold := s.idleThreshold
	if req.IdleThreshold != "" {
		d, err := time.ParseDuration(req.IdleThreshold)
		if err != nil || d <= 0 {
			s.writeError(w, r, domain.NewValidationError("idle_threshold", "must be a positive duration"))
			return
		}
		threshold = d
	}
	n, err := s.sweeper.Sweep(r.Context(), threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"abandoned": n})
}

// SubscribeEvents handles GET /sessions/{sessionID}/events (SSE).
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.manager.Load(r.Context(), sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	var watch []string
	if raw := r.URL.Query().Get("watch"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			watch = append(watch, strings.TrimSpace(f))
		}
	}

	ch, cancel := s.streams.Subscribe(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Info("SSE: Subscribed to session updates", "session_id", sessionID)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE: Client disconnected", "session_id", sessionID)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if len(watch) > 0 {
				var diff domain.SessionDiff
				if err := json.Unmarshal([]byte(msg), &diff); err == nil && !matchesWatch(diff, watch) {
					continue
				}
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// respond writes the session returned by a manager call, or its error.
func (s *Server) respond(w http.ResponseWriter, r *http.Request) func(*domain.Session, error) {
	return func(sess *domain.Session, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, domain.ToRecord(sess))
	}
}

// decode reads a JSON body into v. An empty body is accepted unless required.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (errors.Is(err, io.EOF) && !required) {
		return true
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("request body is required")
	}
	s.writeError(w, r, domain.NewValidationError("body", err.Error()))
	return false
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrDuplicateSession):
		return http.StatusConflict, "duplicate_session"
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, domain.ErrTerminalState):
		return http.StatusConflict, "terminal_state"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		s.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "err", err)
	}
}
