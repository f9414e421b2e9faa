package engine

import (
	"github.com/rendis/opflow/internal/expressions"
)

// WorkflowContext is what a step handler sees: the session data plus the
// position of the call inside loops and nested workflows.
// Handlers treat Data as read-only; child scopes work on snapshots.
type WorkflowContext struct {
	Data       map[string]any
	SessionID  string
	WorkflowID string
	// Depth is the number of enclosing nested workflows.
	Depth int
	// Visited lists the workflow ids on the current nesting path, outermost first.
	Visited []string
	// LoopDepth is the number of enclosing loops.
	LoopDepth int
	// BranchDepth is the number of enclosing inline conditional branches.
	BranchDepth int
}

func newWorkflowContext(sessionID, workflowID string, data map[string]any) *WorkflowContext {
	if data == nil {
		data = map[string]any{}
	}
	return &WorkflowContext{
		Data:       data,
		SessionID:  sessionID,
		WorkflowID: workflowID,
		Visited:    []string{workflowID},
	}
}

// Snapshot returns an independent copy.
func (w *WorkflowContext) Snapshot() *WorkflowContext {
	c := *w
	c.Data = expressions.DeepCopyMap(w.Data)
	c.Visited = append([]string(nil), w.Visited...)
	return &c
}

// Merge applies a step output with new keys winning.
func (w *WorkflowContext) Merge(output map[string]any) {
	for k, v := range output {
		w.Data[k] = v
	}
}

func (w *WorkflowContext) insideSubgraph() bool {
	return w.Depth > 0 || w.LoopDepth > 0 || w.BranchDepth > 0
}
