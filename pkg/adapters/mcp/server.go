// Package mcp exposes session operations as Model Context Protocol tools so an
// assistant can drive a drafting session directly.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/draftkeeper/internal/logging"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/reconcile"
	"github.com/aretw0/draftkeeper/pkg/session"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ResourcePrefix is the URI prefix of the session resource template.
const ResourcePrefix = "draftkeeper://sessions/"

// Server wraps the session manager and exposes it as an MCP server.
type Server struct {
	manager    *session.Manager
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(manager *session.Manager, reconciler *reconcile.Reconciler, version string, logger *slog.Logger) *Server {
	if reconciler == nil {
		reconciler = reconcile.New(manager)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		manager:    manager,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "mcp")),
		mcpServer:  server.NewMCPServer("draftkeeper-mcp", strings.TrimSpace(version)),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Start a new drafting session. The user's oldest active session is abandoned when the limit is reached."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the session")),
		mcp.WithString("context_type", mcp.Required(), mcp.Description("Kind of artifact being drafted, e.g. course_creation")),
		mcp.WithString("initial_data", mcp.Description("JSON object used as the initial context data (optional)")),
	), s.handleCreate)

	s.mcpServer.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Fetch the full state of a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleGet)

	s.mcpServer.AddTool(mcp.NewTool("pause_session",
		mcp.WithDescription("Pause an active session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("reason", mcp.Description("Why the session is paused")),
	), s.transitionHandler(func(ctx context.Context, id string, args map[string]any) (*domain.Session, error) {
		reason, _ := args["reason"].(string)
		return s.manager.Pause(ctx, id, reason)
	}))

	s.mcpServer.AddTool(mcp.NewTool("resume_session",
		mcp.WithDescription("Resume a paused session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.transitionHandler(func(ctx context.Context, id string, _ map[string]any) (*domain.Session, error) {
		return s.manager.Resume(ctx, id)
	}))

	s.mcpServer.AddTool(mcp.NewTool("complete_session",
		mcp.WithDescription("Mark a session as successfully completed."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("metadata", mcp.Description("JSON object stored as completion metadata (optional)")),
	), s.transitionHandler(func(ctx context.Context, id string, args map[string]any) (*domain.Session, error) {
		meta, err := jsonObject(args, "metadata")
		if err != nil {
			return nil, err
		}
		return s.manager.Complete(ctx, id, meta)
	}))

	s.mcpServer.AddTool(mcp.NewTool("abandon_session",
		mcp.WithDescription("End a session without completing it."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("reason", mcp.Description("Why the session is abandoned")),
	), s.transitionHandler(func(ctx context.Context, id string, args map[string]any) (*domain.Session, error) {
		reason, _ := args["reason"].(string)
		if reason == "" {
			reason = "abandoned by assistant"
		}
		return s.manager.Abandon(ctx, id, reason)
	}))

	s.mcpServer.AddTool(mcp.NewTool("fail_session",
		mcp.WithDescription("Mark an active or paused session as failed."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("reason", mcp.Description("What went wrong")),
	), s.transitionHandler(s.fail))

	s.mcpServer.AddTool(mcp.NewTool("append_message",
		mcp.WithDescription("Append a message to the session transcript."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Message type, e.g. user or assistant")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
	), s.transitionHandler(func(ctx context.Context, id string, args map[string]any) (*domain.Session, error) {
		typ, _ := args["type"].(string)
		content, _ := args["content"].(string)
		return s.manager.AppendMessage(ctx, id, domain.Message{Type: typ, Content: content})
	}))

	s.mcpServer.AddTool(mcp.NewTool("export_session",
		mcp.WithDescription("Export a session as a portable JSON snapshot."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleExport)

	s.mcpServer.AddTool(mcp.NewTool("sync_session",
		mcp.WithDescription("Compare a client's view of a session with the server and report updates and conflicts."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("last_updated", mcp.Description("RFC 3339 time of the client's last sync")),
		mcp.WithString("last_modified", mcp.Description("RFC 3339 time of the client's last local edit (optional)")),
		mcp.WithString("context_hash", mcp.Description("Client's context hash (optional)")),
		mcp.WithOutputSchema[reconcile.SyncResponse](),
	), mcp.NewStructuredToolHandler(s.handleSync))
}

func (s *Server) handleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	userID, _ := args["user_id"].(string)
	contextType, _ := args["context_type"].(string)
	data, err := jsonObject(args, "initial_data")
	if err != nil {
		return toolError(err), nil
	}
	created, err := s.manager.Create(ctx, session.CreateRequest{UserID: userID, ContextType: contextType, InitialData: data})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(domain.ToRecord(created))
}

func (s *Server) handleGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	loaded, err := s.manager.Load(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(domain.ToRecord(loaded))
}

func (s *Server) handleExport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.manager.Export(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleSync(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (reconcile.SyncResponse, error) {
	id, _ := args["session_id"].(string)
	var client reconcile.ClientState
	if raw, ok := args["last_updated"].(string); ok && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return reconcile.SyncResponse{}, fmt.Errorf("invalid last_updated: %w", err)
		}
		client.LastUpdated = t
	}
	if raw, ok := args["last_modified"].(string); ok && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return reconcile.SyncResponse{}, fmt.Errorf("invalid last_modified: %w", err)
		}
		client.LastModified = &t
	}
	client.ContextHash, _ = args["context_hash"].(string)
	return s.reconciler.Reconcile(ctx, id, client)
}

func (s *Server) fail(ctx context.Context, id string, args map[string]any) (*domain.Session, error) {
	reason, _ := args["reason"].(string)
	if reason == "" {
		reason = "operation failed"
	}
	return s.manager.Fail(ctx, id, reason)
}

// transitionHandler adapts a session-returning operation into a tool handler.
func (s *Server) transitionHandler(op func(ctx context.Context, id string, args map[string]any) (*domain.Session, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		updated, err := op(ctx, id, request.GetArguments())
		if err != nil {
			s.logger.Debug("Tool call rejected", "tool", request.Params.Name, "session_id", id, "err", err)
			return toolError(err), nil
		}
		return jsonResult(domain.ToRecord(updated))
	}
}

func (s *Server) registerResources() {
	template := mcp.NewResourceTemplate(ResourcePrefix+"{id}", "Drafting Session",
		mcp.WithTemplateDescription("Full persisted state of one drafting session"),
		mcp.WithTemplateMIMEType("application/json"),
	)
	s.mcpServer.AddResourceTemplate(template, s.readSession)
}

func (s *Server) readSession(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(request.Params.URI, ResourcePrefix)
	if id == "" || id == request.Params.URI {
		return nil, fmt.Errorf("invalid session resource uri %q", request.Params.URI)
	}
	loaded, err := s.manager.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(domain.ToRecord(loaded))
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func jsonObject(args map[string]any, key string) (map[string]any, error) {
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, domain.NewValidationError(key, "must be a JSON object")
		}
		return out, nil
	}
	return nil, domain.NewValidationError(key, "must be a JSON object")
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError reports domain failures as tool errors the model can read and act on.
func toolError(err error) *mcp.CallToolResult {
	var kind string
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		kind = "not found"
	case errors.Is(err, domain.ErrValidation):
		kind = "invalid input"
	case errors.Is(err, domain.ErrTerminalState), errors.Is(err, domain.ErrInvalidTransition):
		kind = "not allowed"
	case errors.Is(err, domain.ErrConcurrentModification):
		kind = "conflict, retry"
	default:
		kind = "failed"
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", kind, err))
}
