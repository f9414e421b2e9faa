// Package diagram renders workflow definitions as Mermaid flowcharts or
// plain-text level diagrams, optionally overlaid with a session's progress.
package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindCode        NodeKind = "code"
	NodeKindLLM         NodeKind = "llm"
	NodeKindQuestion    NodeKind = "question"
	NodeKindConditional NodeKind = "conditional"
	NodeKindLoop        NodeKind = "loop"
	NodeKindNested      NodeKind = "nested"
	NodeKindUnknown     NodeKind = "unknown"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
	NodeKindFailed      NodeKind = "failed"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
	FailID  = "__failed__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
	// Session is set when the model carries a session overlay.
	Session *SessionInfo
}

// SessionInfo summarises the overlaid session.
type SessionInfo struct {
	ID        string
	Status    string
	LastError string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // conditional branches, loop body, inline workflow
}

// SubGraph holds the child steps of a container node.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node. For nodes visited more
// than once it reflects the latest visit.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Attempts   int
	Runs       int
	Error      string
}

// Edge connects two nodes. Dashed edges are onError routes.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}
