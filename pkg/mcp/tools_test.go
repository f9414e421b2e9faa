package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// --- Mocks ---

type mockSessions struct {
	states     map[string]*store.ExecutionState
	executed   []engine.ExecuteRequest
	resumeOpts int
	err        error
}

func newMockSessions(states ...*store.ExecutionState) *mockSessions {
	m := &mockSessions{states: make(map[string]*store.ExecutionState)}
	for _, s := range states {
		m.states[s.ID] = s
	}
	return m
}

func (m *mockSessions) Execute(_ context.Context, req engine.ExecuteRequest) (*store.ExecutionState, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.executed = append(m.executed, req)
	id := req.SessionID
	if id == "" {
		id = "generated"
	}
	st := &store.ExecutionState{ID: id, WorkflowID: req.WorkflowID, Status: schema.StatusPending, Context: req.Input}
	m.states[id] = st
	return st, nil
}

func (m *mockSessions) Resume(_ context.Context, id string, opts ...engine.ResumeOption) (*store.ExecutionState, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.resumeOpts = len(opts)
	return m.states[id], nil
}

func (m *mockSessions) Cancel(_ context.Context, id string) (*store.ExecutionState, error) {
	if m.err != nil {
		return nil, m.err
	}
	st := m.states[id]
	st.Status = schema.StatusFailed
	st.LastError = schema.CancelledMarker
	return st, nil
}

func (m *mockSessions) GetState(_ context.Context, id string) (*store.ExecutionState, error) {
	return m.states[id], m.err
}

type mockEvents struct {
	events []*store.Event
	since  int64
}

func (m *mockEvents) ListEvents(_ context.Context, _ string, since int64) ([]*store.Event, error) {
	m.since = since
	return m.events, nil
}

type sentNotification struct {
	client string
	params map[string]any
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (m *mockSender) SendNotificationToSpecificClient(client, _ string, params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentNotification{client: client, params: params})
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func decodeState(t *testing.T, result *mcp.CallToolResult) store.ExecutionState {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	var st store.ExecutionState
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &st))
	return st
}

const linearDef = `{
  "id": "linear", "name": "Linear", "start": "a",
  "nodes": [{"id": "a", "type": "code", "source": "1"}, {"id": "b", "type": "code", "source": "2"}],
  "edges": [{"from": "a", "to": "b"}]
}`

func newCatalog(t *testing.T) *catalog.MemoryCatalog {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(linearDef))
	require.NoError(t, err)
	return catalog.NewMemoryCatalog(def)
}

// --- Tests ---

func TestExecuteTool(t *testing.T) {
	sessions := newMockSessions()
	s := NewServer(ServerDeps{Sessions: sessions})

	result, err := s.handleExecute(context.Background(), buildRequest("flow.execute", map[string]any{
		"workflow_id": "linear",
		"session_id":  "s1",
		"input":       map[string]any{"release": "v3"},
	}))
	require.NoError(t, err)

	st := decodeState(t, result)
	assert.Equal(t, "s1", st.ID)
	assert.Equal(t, schema.StatusPending, st.Status)
	require.Len(t, sessions.executed, 1)
	assert.Equal(t, map[string]any{"release": "v3"}, sessions.executed[0].Input)
}

func TestExecuteTool_Errors(t *testing.T) {
	s := NewServer(ServerDeps{Sessions: newMockSessions()})
	result, err := s.handleExecute(context.Background(), buildRequest("flow.execute", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	sessions := newMockSessions()
	sessions.err = schema.NewError(schema.ErrCodeConflict, "session s1 is active")
	s = NewServer(ServerDeps{Sessions: sessions})
	result, err = s.handleExecute(context.Background(), buildRequest("flow.execute", map[string]any{"workflow_id": "linear"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "[CONFLICT] session s1 is active")
}

func TestResumeTool(t *testing.T) {
	sessions := newMockSessions(&store.ExecutionState{ID: "s1", Status: schema.StatusRunning})
	s := NewServer(ServerDeps{Sessions: sessions})

	result, err := s.handleResume(context.Background(), buildRequest("flow.resume", map[string]any{
		"session_id": "s1",
		"answer":     "yes",
	}))
	require.NoError(t, err)
	assert.Equal(t, "s1", decodeState(t, result).ID)
	assert.Equal(t, 1, sessions.resumeOpts)

	_, err = s.handleResume(context.Background(), buildRequest("flow.resume", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	assert.Equal(t, 0, sessions.resumeOpts, "no answer means no option")
}

func TestCancelTool(t *testing.T) {
	sessions := newMockSessions(&store.ExecutionState{ID: "s1", Status: schema.StatusPaused})
	s := NewServer(ServerDeps{Sessions: sessions})

	result, err := s.handleCancel(context.Background(), buildRequest("flow.cancel", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	st := decodeState(t, result)
	assert.Equal(t, schema.StatusFailed, st.Status)
	assert.Equal(t, schema.CancelledMarker, st.LastError)
}

func TestStateTool(t *testing.T) {
	s := NewServer(ServerDeps{Sessions: newMockSessions(&store.ExecutionState{ID: "s1", Status: schema.StatusCompleted})})

	result, err := s.handleState(context.Background(), buildRequest("flow.state", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, decodeState(t, result).Status)

	result, err = s.handleState(context.Background(), buildRequest("flow.state", map[string]any{"session_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "[NOT_FOUND]")
}

func TestEventsTool(t *testing.T) {
	events := &mockEvents{events: []*store.Event{
		{SessionID: "s1", Type: schema.EventStepCompleted, Sequence: 3},
	}}
	s := NewServer(ServerDeps{Sessions: newMockSessions(), Events: events})

	result, err := s.handleEvents(context.Background(), buildRequest("flow.events", map[string]any{
		"session_id": "s1",
		"since":      2.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, int64(2), events.since)

	var body struct {
		Events []store.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, int64(3), body.Events[0].Sequence)
}

func TestEventsTool_NotConfigured(t *testing.T) {
	s := NewServer(ServerDeps{Sessions: newMockSessions()})
	result, err := s.handleEvents(context.Background(), buildRequest("flow.events", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWorkflowsTool(t *testing.T) {
	s := NewServer(ServerDeps{Sessions: newMockSessions(), Catalog: newCatalog(t)})

	result, err := s.handleWorkflows(context.Background(), buildRequest("flow.workflows", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Workflows []workflowSummary `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &body))
	require.Len(t, body.Workflows, 1)
	assert.Equal(t, workflowSummary{ID: "linear", Name: "Linear", Nodes: 2}, body.Workflows[0])
}

func TestDiagramTool(t *testing.T) {
	sessions := newMockSessions(&store.ExecutionState{
		ID: "s1", WorkflowID: "linear", Status: schema.StatusCompleted,
		History: []*schema.StepResult{{StepID: "a", Status: schema.StepStatusCompleted}},
	})
	s := NewServer(ServerDeps{Sessions: sessions, Catalog: newCatalog(t)})

	result, err := s.handleDiagram(context.Background(), buildRequest("flow.diagram", map[string]any{
		"format":     "mermaid",
		"session_id": "s1",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "flowchart TD")
	assert.Contains(t, text, "a --> b")
	assert.Contains(t, text, "class a completed")

	result, err = s.handleDiagram(context.Background(), buildRequest("flow.diagram", map[string]any{
		"format":      "ascii",
		"workflow_id": "linear",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "=== Linear ===")
}

func TestDiagramTool_Errors(t *testing.T) {
	s := NewServer(ServerDeps{Sessions: newMockSessions(), Catalog: newCatalog(t)})
	cases := []map[string]any{
		{"format": "png", "workflow_id": "linear"},
		{"format": "mermaid"},
		{"format": "mermaid", "workflow_id": "ghost"},
		{"format": "mermaid", "session_id": "ghost"},
	}
	for _, args := range cases {
		result, err := s.handleDiagram(context.Background(), buildRequest("flow.diagram", args))
		require.NoError(t, err)
		assert.True(t, result.IsError, "%v", args)
	}
}

func TestNotifier_ForwardsOwnedSessions(t *testing.T) {
	clients := NewSessionRegistry()
	clients.Register("s1", "client-1")
	sender := &mockSender{}
	n := NewNotifier(sender, clients, nil)

	n.Notify(streaming.StreamEvent{SessionID: "s1", EventType: schema.EventWorkflowPaused, Sequence: 4})
	n.Notify(streaming.StreamEvent{SessionID: "other", EventType: schema.EventWorkflowCompleted})
	require.Equal(t, 1, sender.count())
	assert.Equal(t, "client-1", sender.sent[0].client)
	data := sender.sent[0].params["data"].(map[string]any)
	assert.Equal(t, "s1", data["sessionId"])
	assert.Equal(t, int64(4), data["sequence"])

	_, ok := clients.ClientFor("s1")
	assert.True(t, ok, "paused sessions stay mapped")

	n.Notify(streaming.StreamEvent{SessionID: "s1", EventType: schema.EventWorkflowCompleted})
	assert.Equal(t, 2, sender.count())
	_, ok = clients.ClientFor("s1")
	assert.False(t, ok, "terminal outcomes end the mapping")
}

func TestNotifier_DropsDisconnectedClients(t *testing.T) {
	clients := NewSessionRegistry()
	clients.Register("s1", "gone")
	clients.Register("s2", "gone")
	n := NewNotifier(&mockSender{err: server.ErrSessionNotFound}, clients, nil)

	n.Notify(streaming.StreamEvent{SessionID: "s1", EventType: schema.EventWorkflowPaused})
	_, ok := clients.ClientFor("s2")
	assert.False(t, ok)
}

func TestNotifier_Run(t *testing.T) {
	hub := streaming.NewMemoryHub()
	clients := NewSessionRegistry()
	clients.Register("s1", "client-1")
	sender := &mockSender{}
	n := NewNotifier(sender, clients, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, hub) }()
	require.Eventually(t, func() bool { return hub.SubscriberCount("") > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{SessionID: "s1", EventType: schema.EventStepCompleted}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{SessionID: "s1", EventType: schema.EventWorkflowFailed}))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
}
