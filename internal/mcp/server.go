// Package mcp exposes muster's session, checkpoint, progress, and worktree
// operations as MCP tools over the stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/progress"
	"github.com/mstanton/muster/internal/provider"
	"github.com/mstanton/muster/internal/sessions"
	"github.com/mstanton/muster/internal/store"
)

// Server wraps the muster core and exposes it as MCP tools.
type Server struct {
	sessions *sessions.Manager
	tracker  *progress.Tracker
	index    store.Store
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(mgr *sessions.Manager, tracker *progress.Tracker, idx store.Store) *Server {
	return &Server{sessions: mgr, tracker: tracker, index: idx}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("muster", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.createSessionTool())
	srv.AddTool(s.pauseSessionTool())
	srv.AddTool(s.resumeSessionTool())
	srv.AddTool(s.sessionProgressTool())
	srv.AddTool(s.createCheckpointTool())
	srv.AddTool(s.restoreCheckpointTool())
	srv.AddTool(s.listBacklogTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// muster_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_list_sessions",
		mcp.WithDescription("List sessions as summary rows (id, status, task, progress counts), newest activity first."),
		mcp.WithString("status", mcp.Description("Filter by status: active, paused, completed, failed")),
		mcp.WithString("tag", mcp.Description("Filter by task tag")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.SessionFilter{
		Status: models.SessionStatus(request.GetString("status", "")),
		Tag:    request.GetString("tag", ""),
	}
	list, err := s.sessions.ListSessions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	return jsonResult(list)
}

// muster_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_get_session",
		mcp.WithDescription("Get full session state including the current checkpoint's task sets and cross-references."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess)
}

// muster_create_session
func (s *Server) createSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_create_session",
		mcp.WithDescription("Create a session bound to a backlog item. Provide task_id for an existing item, or title to create a new one."),
		mcp.WithString("task_id", mcp.Description("Existing backlog item id")),
		mcp.WithString("title", mcp.Description("Title for a new backlog item")),
		mcp.WithString("prompt", mcp.Description("Agent prompt for a new backlog item")),
		mcp.WithString("tag", mcp.Description("Task tag for the session")),
	)
	return tool, s.handleCreateSession
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := sessions.CreateSessionRequest{
		TaskID: request.GetString("task_id", ""),
		Tag:    request.GetString("tag", ""),
	}
	if title := request.GetString("title", ""); title != "" {
		req.NewTask = &provider.CreateTaskFields{
			Title:  title,
			Prompt: request.GetString("prompt", ""),
			Tag:    req.Tag,
		}
	}
	sess, err := s.sessions.CreateSession(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess)
}

// muster_pause_session
func (s *Server) pauseSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_pause_session",
		mcp.WithDescription("Pause an active session. A checkpoint is written first; pausing a paused session is a no-op."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handlePauseSession
}

func (s *Server) handlePauseSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.sessions.PauseSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess)
}

// muster_resume_session
func (s *Server) resumeSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_resume_session",
		mcp.WithDescription("Resume a paused session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleResumeSession
}

func (s *Server) handleResumeSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.sessions.ResumeSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess)
}

// muster_session_progress
func (s *Server) sessionProgressTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_session_progress",
		mcp.WithDescription("Get live per-task progress records for a session (step, percent, status, artifacts)."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleSessionProgress
}

func (s *Server) handleSessionProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if _, err := s.sessions.GetSession(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list := s.tracker.GetAll(id)
	if list == nil {
		list = []*models.TaskProgress{}
	}
	return jsonResult(list)
}

// muster_create_checkpoint
func (s *Server) createCheckpointTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_create_checkpoint",
		mcp.WithDescription("Snapshot a session's task sets and cross-references into a new immutable checkpoint."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleCreateCheckpoint
}

func (s *Server) handleCreateCheckpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	cp, err := s.sessions.CreateCheckpoint(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(cp)
}

// muster_restore_checkpoint
func (s *Server) restoreCheckpointTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_restore_checkpoint",
		mcp.WithDescription("Replace a session's current checkpoint with a retained one. The recovery path after a crash or rollback."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("checkpoint_id", mcp.Required(), mcp.Description("Checkpoint id to restore")),
	)
	return tool, s.handleRestoreCheckpoint
}

func (s *Server) handleRestoreCheckpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	cpID, err := request.RequireString("checkpoint_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: checkpoint_id"), nil
	}
	sess, err := s.sessions.RestoreFromCheckpoint(ctx, id, cpID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess)
}

// muster_list_backlog
func (s *Server) listBacklogTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muster_list_backlog",
		mcp.WithDescription("List backlog items, optionally filtered by status (open, in_progress, done, failed)."),
		mcp.WithString("status", mcp.Description("Filter by backlog status")),
	)
	return tool, s.handleListBacklog
}

func (s *Server) handleListBacklog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := models.BacklogStatus(request.GetString("status", ""))
	items, err := s.index.ListBacklogItems(ctx, status, 100)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list backlog: %v", err)), nil
	}
	return jsonResult(items)
}
