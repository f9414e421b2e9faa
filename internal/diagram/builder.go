package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Build constructs a DiagramModel from a definition. state may be nil; when
// set, its history and status are overlaid on the nodes.
func Build(def *schema.WorkflowDefinition, state *store.ExecutionState) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}
	if _, ok := def.Node(def.Start); !ok {
		return nil, fmt.Errorf("diagram: start node %q does not exist", def.Start)
	}

	overlay := overlayFrom(state)
	model := &DiagramModel{Title: titleFromDef(def)}
	if state != nil {
		model.Session = &SessionInfo{ID: state.ID, Status: string(state.Status), LastError: state.LastError}
	}

	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, step := range def.Nodes {
		node := stepToNode(step, step.StepID())
		node.Status = overlay[step.StepID()]
		buildChildren(node, step)
		model.Nodes = append(model.Nodes, node)
	}

	edges, usesFailed := buildEdges(def)
	model.Edges = edges
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: schema.NodeEnd, Kind: NodeKindEnd})
	if usesFailed {
		model.Nodes = append(model.Nodes, &Node{ID: FailID, Label: schema.NodeFailed, Kind: NodeKindFailed})
	}
	model.Levels = buildLevels(model)
	return model, nil
}

// overlayFrom folds a session history into per-step overlays.
func overlayFrom(state *store.ExecutionState) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	if state == nil {
		return out
	}
	for _, r := range state.History {
		if r == nil {
			continue
		}
		o := out[r.StepID]
		if o == nil {
			o = &StatusOverlay{}
			out[r.StepID] = o
		}
		o.Runs++
		o.Status = string(r.Status)
		o.DurationMs = r.Duration.Milliseconds()
		o.Attempts = r.Attempts
		o.Error = r.Error
	}
	if pq := state.PendingQuestion; pq != nil && state.Status == schema.StatusPaused {
		o := out[pq.StepID]
		if o == nil {
			o = &StatusOverlay{Runs: 1}
			out[pq.StepID] = o
		}
		o.Status = string(schema.StatusPaused)
	}
	if state.Status == schema.StatusRunning && state.CurrentNode != "" {
		o := out[state.CurrentNode]
		if o == nil {
			o = &StatusOverlay{}
			out[state.CurrentNode] = o
		}
		o.Status = string(schema.StatusRunning)
	}
	return out
}

func stepToNode(step schema.Step, id string) *Node {
	return &Node{ID: id, Label: nodeLabel(step), Kind: kindOf(step)}
}

func kindOf(step schema.Step) NodeKind {
	switch step.(type) {
	case *schema.CodeStep:
		return NodeKindCode
	case *schema.LLMStep:
		return NodeKindLLM
	case *schema.QuestionStep:
		return NodeKindQuestion
	case *schema.ConditionalStep:
		return NodeKindConditional
	case *schema.LoopStep:
		return NodeKindLoop
	case *schema.NestedStep:
		return NodeKindNested
	default:
		return NodeKindUnknown
	}
}

// nodeLabel is the step id, followed on a second line by a short detail.
func nodeLabel(step schema.Step) string {
	id := step.StepID()
	if name := step.Base().Name; name != "" {
		id = name
	}
	switch s := step.(type) {
	case *schema.CodeStep:
		lang := s.Language
		if lang == "" {
			lang = "lua"
		}
		return id + "\n(" + lang + ")"
	case *schema.LLMStep:
		if s.Model != "" {
			return id + "\n(" + s.Model + ")"
		}
	case *schema.LoopStep:
		return id + "\n(each " + s.Collection + ")"
	case *schema.NestedStep:
		if s.WorkflowID != "" {
			return id + "\n(" + s.WorkflowID + ")"
		}
	case *schema.UnknownStep:
		return fmt.Sprintf("%s\n(unknown %q)", id, s.Type)
	}
	return id
}

// buildChildren adds subgraphs for container steps. Child ids are
// qualified as parent.namespace.child.
func buildChildren(node *Node, step schema.Step) {
	switch s := step.(type) {
	case *schema.ConditionalStep:
		keys := make([]string, 0, len(s.Branches))
		for k := range s.Branches {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			node.Children = append(node.Children, sequence(k, node.ID+"."+k, s.Branches[k]))
		}
		if len(s.Default) > 0 {
			node.Children = append(node.Children, sequence(schema.DefaultBranch, node.ID+"."+schema.DefaultBranch, s.Default))
		}
	case *schema.LoopStep:
		if len(s.Steps) > 0 {
			node.Children = append(node.Children, sequence("body", node.ID+".body", s.Steps))
		}
	case *schema.NestedStep:
		if s.Workflow != nil {
			node.Children = append(node.Children, inlineGraph(node.ID, s.Workflow))
		}
	}
}

// sequence lays out child steps that run in order.
func sequence(label, prefix string, steps schema.Steps) *SubGraph {
	sg := &SubGraph{Label: label}
	var prev string
	for _, step := range steps {
		child := stepToNode(step, prefix+"."+step.StepID())
		buildChildren(child, step)
		sg.Nodes = append(sg.Nodes, child)
		if prev != "" {
			sg.Edges = append(sg.Edges, Edge{From: prev, To: child.ID})
		}
		prev = child.ID
	}
	return sg
}

// inlineGraph lays out an inline nested workflow with its own edges.
func inlineGraph(parentID string, def *schema.WorkflowDefinition) *SubGraph {
	prefix := parentID + ".workflow"
	label := def.ID
	if label == "" {
		label = "workflow"
	}
	sg := &SubGraph{Label: label}
	for _, step := range def.Nodes {
		child := stepToNode(step, prefix+"."+step.StepID())
		buildChildren(child, step)
		sg.Nodes = append(sg.Nodes, child)
	}
	for _, e := range def.Edges {
		if schema.IsTerminalNode(e.To) {
			continue
		}
		sg.Edges = append(sg.Edges, Edge{From: prefix + "." + e.From, To: prefix + "." + e.To, Label: e.Condition})
	}
	return sg
}

// buildEdges maps definition edges to diagram edges. Nodes without outgoing
// edges lead to End; onError routes become dashed edges.
func buildEdges(def *schema.WorkflowDefinition) ([]Edge, bool) {
	usesFailed := false
	target := func(id string) string {
		switch id {
		case schema.NodeEnd:
			return EndID
		case schema.NodeFailed:
			usesFailed = true
			return FailID
		}
		return id
	}

	edges := []Edge{{From: StartID, To: def.Start}}
	outgoing := make(map[string]bool)
	for _, e := range def.Edges {
		outgoing[e.From] = true
		edges = append(edges, Edge{From: e.From, To: target(e.To), Label: e.Condition})
	}
	for _, step := range def.Nodes {
		id := step.StepID()
		if !outgoing[id] {
			edges = append(edges, Edge{From: id, To: EndID})
		}
		if p := step.Base().OnError; p != nil && p.Strategy == schema.ErrorStrategyRoute && p.Target != "" {
			edges = append(edges, Edge{From: id, To: target(p.Target), Label: "onError", Dashed: true})
		}
	}
	return edges, usesFailed
}

// buildLevels assigns each node its breadth-first depth from Start. Terminal
// nodes always sit on the last level; unreachable nodes sit just above it.
func buildLevels(model *DiagramModel) [][]string {
	succ := make(map[string][]string)
	for _, e := range model.Edges {
		succ[e.From] = append(succ[e.From], e.To)
	}
	terminal := func(id string) bool { return id == EndID || id == FailID }

	depth := map[string]int{StartID: 0}
	queue := []string{StartID}
	maxDepth := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range succ[id] {
			if _, seen := depth[next]; seen || terminal(next) {
				continue
			}
			depth[next] = depth[id] + 1
			maxDepth = max(maxDepth, depth[next])
			queue = append(queue, next)
		}
	}

	levels := make([][]string, maxDepth+1)
	var orphans, terminals []string
	for _, n := range model.Nodes {
		switch d, ok := depth[n.ID]; {
		case terminal(n.ID):
			terminals = append(terminals, n.ID)
		case ok:
			levels[d] = append(levels[d], n.ID)
		default:
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, terminals)
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
