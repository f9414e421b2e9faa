package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/diagram"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	state, err := s.sessions.Execute(ctx, engine.ExecuteRequest{
		WorkflowID: workflowID,
		SessionID:  req.GetString("session_id", ""),
		Input:      mcp.ParseStringMap(req, "input", nil),
	})
	if err != nil {
		return toolError("execute failed", err), nil
	}
	s.captureClient(ctx, state.ID)
	return marshalResult(state)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	var opts []engine.ResumeOption
	if answer := req.GetString("answer", ""); answer != "" {
		opts = append(opts, engine.WithAnswer(answer))
	}
	state, err := s.sessions.Resume(ctx, sessionID, opts...)
	if err != nil {
		return toolError("resume failed", err), nil
	}
	s.captureClient(ctx, sessionID)
	return marshalResult(state)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	state, err := s.sessions.Cancel(ctx, sessionID)
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(state)
}

func (s *Server) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	state, err := s.getState(ctx, sessionID)
	if err != nil {
		return toolError("state query failed", err), nil
	}
	return marshalResult(state)
}

func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("event log is not configured"), nil
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	since := int64(req.GetFloat("since", 0))

	events, err := s.events.ListEvents(ctx, sessionID, since)
	if err != nil {
		return toolError("event query failed", err), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

// workflowSummary is the catalog listing entry.
type workflowSummary struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	Version     string               `json:"version,omitempty"`
	Description string               `json:"description,omitempty"`
	Execution   schema.ExecutionMode `json:"execution,omitempty"`
	Nodes       int                  `json:"nodes"`
}

func (s *Server) handleWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("workflow catalog is not configured"), nil
	}
	defs, err := s.catalog.ListWorkflows(ctx)
	if err != nil {
		return toolError("catalog query failed", err), nil
	}
	out := make([]workflowSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, workflowSummary{
			ID:          d.ID,
			Name:        d.Name,
			Version:     d.Version,
			Description: d.Description,
			Execution:   d.Execution,
			Nodes:       len(d.Nodes),
		})
	}
	return marshalResult(map[string]any{"workflows": out})
}

func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}
	if s.catalog == nil {
		return mcp.NewToolResultError("workflow catalog is not configured"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	sessionID := req.GetString("session_id", "")
	if workflowID == "" && sessionID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or session_id is required"), nil
	}

	var state *store.ExecutionState
	if sessionID != "" {
		state, err = s.getState(ctx, sessionID)
		if err != nil {
			return toolError("session lookup failed", err), nil
		}
		if workflowID == "" {
			workflowID = state.WorkflowID
		}
	}

	def, err := s.catalog.GetWorkflow(ctx, workflowID)
	if err != nil {
		return toolError("workflow lookup failed", err), nil
	}
	model, err := diagram.Build(def, state)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}
	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// getState treats an absent session as NOT_FOUND.
func (s *Server) getState(ctx context.Context, sessionID string) (*store.ExecutionState, error) {
	state, err := s.sessions.GetState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %q not found", sessionID)
	}
	return state, nil
}

// captureClient maps a flow session to the calling MCP client for notifications.
func (s *Server) captureClient(ctx context.Context, sessionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.clients.Register(sessionID, session.SessionID())
	}
}

// toolError renders err as a tool error, keeping the FlowError code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
