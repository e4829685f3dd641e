package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	dkhttp "github.com/aretw0/draftkeeper/pkg/adapters/http"
	"github.com/aretw0/draftkeeper/pkg/adapters/memory"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/observability"
	"github.com/aretw0/draftkeeper/pkg/reconcile"
	"github.com/aretw0/draftkeeper/pkg/session"
	"github.com/aretw0/draftkeeper/pkg/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler http.Handler
	manager *session.Manager
	gateway *memory.Gateway
	streams *dkhttp.StreamManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := memory.NewGateway()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	streams := dkhttp.NewStreamManager(nil)

	var mu sync.Mutex
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}

	m := session.NewManager(gw,
		session.WithClock(clock),
		session.WithMetrics(metrics),
		session.WithMaxActivePerUser(2),
		session.WithChangeListener(streams.Publish),
	)
	h, err := dkhttp.NewHandler(dkhttp.Options{
		Manager:       m,
		Reconciler:    reconcile.New(m, reconcile.WithMetrics(metrics)),
		Sweeper:       sweeper.New(gw, m.Cache(), sweeper.WithClock(clock)),
		IdleThreshold: 24 * time.Hour,
		Streams:       streams,
		Gatherer:      reg,
		Version:       "1.2.3\n",
	})
	require.NoError(t, err)
	return &fixture{handler: h, manager: m, gateway: gw, streams: streams}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) domain.Record {
	t.Helper()
	var rec domain.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec), w.Body.String())
	return rec
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Code
}

func (f *fixture) create(t *testing.T, user string) domain.Record {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sessions", map[string]any{"user_id": user, "context_type": "course_creation"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeRecord(t, w)
}

func TestHandler_HealthInfoSpec(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/info", nil)
	assert.JSONEq(t, `{"app":"draftkeeper","version":"1.2.3","api_version":"1.0.0"}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openapi: 3.0.3")
}

func TestHandler_SessionLifecycle(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, "alice")
	assert.Equal(t, domain.StatusActive, created.Status)
	base := "/sessions/" + created.SessionID

	w := f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.SessionID, decodeRecord(t, w).SessionID)

	w = f.do(t, http.MethodPost, base+"/messages", domain.Message{Type: "user", Content: "A Go course please"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decodeRecord(t, w).Messages, 1)

	w = f.do(t, http.MethodPatch, base+"/context", map[string]any{"data": map[string]any{"weeks": 6}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 6.0, decodeRecord(t, w).ContextData["weeks"])

	w = f.do(t, http.MethodPatch, base+"/progress", map[string]any{"current_state": "outline", "progress": 0.25})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "outline", decodeRecord(t, w).CurrentState)

	w = f.do(t, http.MethodPost, base+"/usage", map[string]any{"tokens": 120, "cost": 0.02})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(120), decodeRecord(t, w).TotalTokens)

	w = f.do(t, http.MethodPost, base+"/pause", map[string]any{"reason": "meeting"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusPaused, decodeRecord(t, w).Status)

	w = f.do(t, http.MethodPost, base+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, w))

	w = f.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, base+"/complete", map[string]any{"metadata": map[string]any{"lessons": 4}})
	require.Equal(t, http.StatusOK, w.Code)
	done := decodeRecord(t, w)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Len(t, done.StateHistory, 3)

	w = f.do(t, http.MethodPost, base+"/messages", domain.Message{Type: "user", Content: "one more"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "terminal_state", errorCode(t, w))

	w = f.do(t, http.MethodGet, base+"/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1.0, report["message_count"])

	w = f.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(t, w))
}

func TestHandler_FailSession(t *testing.T) {
	f := newFixture(t)

	active := f.create(t, "erin")
	w := f.do(t, http.MethodPost, "/sessions/"+active.SessionID+"/fail", map[string]any{"reason": "generator crashed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	failed := decodeRecord(t, w)
	assert.Equal(t, domain.StatusError, failed.Status)
	require.Len(t, failed.StateHistory, 1)
	assert.Equal(t, "generator crashed", failed.StateHistory[0].Reason)

	paused := f.create(t, "erin")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/sessions/"+paused.SessionID+"/pause", nil).Code)
	w = f.do(t, http.MethodPost, "/sessions/"+paused.SessionID+"/fail", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	failed = decodeRecord(t, w)
	assert.Equal(t, domain.StatusError, failed.Status)
	assert.Equal(t, "operation failed", failed.StateHistory[len(failed.StateHistory)-1].Reason)

	w = f.do(t, http.MethodPost, "/sessions/"+active.SessionID+"/fail", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "terminal_state", errorCode(t, w))

	w = f.do(t, http.MethodPost, "/sessions/nope/fail", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.create(t, "bob")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing user", http.MethodPost, "/sessions", map[string]any{"context_type": "c"}, http.StatusBadRequest, "validation_failed"},
		{"malformed body", http.MethodPost, "/sessions", "{", http.StatusBadRequest, "validation_failed"},
		{"empty body", http.MethodPost, "/sessions", nil, http.StatusBadRequest, "validation_failed"},
		{"duplicate id", http.MethodPost, "/sessions", map[string]any{"session_id": "fixed", "user_id": "x", "context_type": "c"}, http.StatusConflict, "duplicate_session"},
		{"unknown session", http.MethodPost, "/sessions/nope/resume", nil, http.StatusNotFound, "not_found"},
		{"message without type", http.MethodPost, "/sessions/fixed/messages", map[string]any{"content": "x"}, http.StatusBadRequest, "validation_failed"},
		{"bad status filter", http.MethodGet, "/users/bob/sessions?status=zombie", nil, http.StatusBadRequest, "validation_failed"},
		{"bad import", http.MethodPost, "/sessions/import", map[string]any{"export_version": "9"}, http.StatusBadRequest, "validation_failed"},
	}
	// the duplicate case needs an existing session with that id
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/sessions", map[string]any{"session_id": "fixed", "user_id": "x", "context_type": "c"}).Code)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestHandler_BatchAndList(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "carol")
	b := f.create(t, "carol")
	c := f.create(t, "carol") // limit 2: abandons a

	w := f.do(t, http.MethodPost, "/sessions/batch", map[string]any{"session_ids": []string{a.SessionID, c.SessionID, "ghost"}})
	require.Equal(t, http.StatusOK, w.Code)
	var batch struct {
		Sessions map[string]domain.Record `json:"sessions"`
		Missing  []string                 `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	assert.Len(t, batch.Sessions, 2)
	assert.Equal(t, []string{"ghost"}, batch.Missing)
	assert.Equal(t, domain.StatusAbandoned, batch.Sessions[a.SessionID].Status)

	w = f.do(t, http.MethodGet, "/users/carol/sessions?status=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []domain.Record `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, b.SessionID, list.Sessions[0].SessionID)
	assert.Equal(t, c.SessionID, list.Sessions[1].SessionID)
}

func TestHandler_ExportImport(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, "dave")
	f.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/messages", domain.Message{Type: "user", Content: "hello"})

	w := f.do(t, http.MethodGet, "/sessions/"+created.SessionID+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"export_version":"1.0"`)

	w = f.do(t, http.MethodPost, "/sessions/import", w.Body.String())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	imported := decodeRecord(t, w)
	assert.NotEqual(t, created.SessionID, imported.SessionID)
	require.Len(t, imported.Messages, 1)
	assert.Equal(t, "hello", imported.Messages[0].Content)
}

func TestHandler_Sync(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, "erin")

	w := f.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/sync", map[string]any{
		"last_updated":  created.LastUpdatedAt.Add(-time.Minute),
		"last_modified": created.LastUpdatedAt.Add(time.Minute),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp reconcile.SyncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.NeedsUpdate)
	assert.True(t, resp.ConflictDetected)
	assert.Equal(t, []string{"accept_server", "keep_client", "merge"}, resp.Options)

	w = f.do(t, http.MethodPost, "/sessions/nope/sync", map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_SweepAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.create(t, "frank")

	w := f.do(t, http.MethodPost, "/admin/sweep", map[string]any{"idle_threshold": "1ns"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"abandoned":1}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/admin/sweep", map[string]any{"idle_threshold": "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "draftkeeper_sessions_created_total 1")
}

func TestHandler_NewHandlerRequiresManager(t *testing.T) {
	_, err := dkhttp.NewHandler(dkhttp.Options{})
	assert.Error(t, err)
}

func TestSubscribeEvents_StreamsDiffs(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, "gina")
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/"+created.SessionID+"/events?watch=messages", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: ping", lines.Text())
	require.Equal(t, 1, f.streams.Subscribers(created.SessionID))

	// filtered out by watch=messages
	f.do(t, http.MethodPatch, "/sessions/"+created.SessionID+"/context", map[string]any{"data": map[string]any{"secret": "filtered"}})
	f.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/messages", domain.Message{Type: "assistant", Content: "Week 1: basics"})

	var event string
	for lines.Scan() {
		if strings.HasPrefix(lines.Text(), "data: {") {
			event = strings.TrimPrefix(lines.Text(), "data: ")
			break
		}
	}
	require.NotEmpty(t, event)
	var diff domain.SessionDiff
	require.NoError(t, json.Unmarshal([]byte(event), &diff))
	assert.Equal(t, created.SessionID, diff.SessionID)
	require.Len(t, diff.Messages, 1)
	assert.Equal(t, "Week 1: basics", diff.Messages[0].Content)
	assert.Empty(t, diff.Context)

	cancel()
	assert.Eventually(t, func() bool { return f.streams.Subscribers(created.SessionID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeEvents_UnknownSession(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/sessions/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
