// Package mcp exposes the engine as Model Context Protocol tools so agents
// can start, answer, cancel and inspect workflow sessions.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
)

// Sessions is the engine surface the tools drive.
type Sessions interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*store.ExecutionState, error)
	Resume(ctx context.Context, sessionID string, opts ...engine.ResumeOption) (*store.ExecutionState, error)
	Cancel(ctx context.Context, sessionID string) (*store.ExecutionState, error)
	GetState(ctx context.Context, sessionID string) (*store.ExecutionState, error)
}

// EventLog lists a session's durable events.
type EventLog interface {
	ListEvents(ctx context.Context, sessionID string, since int64) ([]*store.Event, error)
}

// ServerDeps holds the dependencies of a Server. Events, Catalog and Hub
// are optional; the tools that need them report an error when absent.
type ServerDeps struct {
	Sessions Sessions
	Events   EventLog
	Catalog  catalog.Catalog
	Hub      streaming.EventHub
	Logger   *slog.Logger
	Version  string
}

// Server wraps an MCP server with the flow.* tool handlers.
type Server struct {
	sessions  Sessions
	events    EventLog
	catalog   catalog.Catalog
	hub       streaming.EventHub
	logger    *slog.Logger
	clients   *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		sessions: deps.Sessions,
		events:   deps.Events,
		catalog:  deps.Catalog,
		hub:      deps.Hub,
		logger:   logger,
		clients:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"opflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("opflow runs workflow graphs as sessions. Use flow.execute to start a session, " +
			"flow.state to inspect it, flow.resume to answer a pending question, flow.cancel to stop it, " +
			"flow.events to read its event log, flow.workflows to list definitions and flow.diagram to draw one."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. When a hub is configured, session outcomes are pushed to the
// client that started the session.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewNotifier(s.mcpServer, s.clients, s.logger)
		go func() {
			if err := notifier.Run(ctx, s.hub); err != nil && ctx.Err() == nil {
				s.logger.Warn("mcp notifier stopped", slog.String("error", err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for tests or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("flow.execute",
		mcp.WithDescription("Start a workflow session"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to run")),
		mcp.WithString("session_id", mcp.Description("Session ID to use (default: generated)")),
		mcp.WithObject("input", mcp.Description("Initial session context")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("flow.resume",
		mcp.WithDescription("Resume a paused session, answering its pending question"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the paused session")),
		mcp.WithString("answer", mcp.Description("Answer to the pending question (option id or label)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Cancel a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to cancel")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("flow.state",
		mcp.WithDescription("Get the state of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("flow.events",
		mcp.WithDescription("List the event log of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence number")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("flow.workflows",
		mcp.WithDescription("List the workflow definitions in the catalog"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Draw a workflow as a Mermaid flowchart or ASCII diagram, optionally with a session's progress"),
		mcp.WithString("format", mcp.Required(), mcp.Enum("mermaid", "ascii"), mcp.Description("Output format")),
		mcp.WithString("workflow_id", mcp.Description("Workflow to draw")),
		mcp.WithString("session_id", mcp.Description("Session whose workflow and progress to draw")),
	)
}
