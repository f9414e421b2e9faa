package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// validateNestedReferences reports cycles between catalog workflows that
// reference each other through nested steps. Unknown references are
// warnings because the catalog may gain the definition later.
func validateNestedReferences(defs []*schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	known := make(map[string]bool, len(defs))
	refs := make(map[string][]string, len(defs))
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.ID == "" {
			continue
		}
		known[def.ID] = true
		ids = append(ids, def.ID)
	}
	for _, def := range defs {
		if def == nil || def.ID == "" {
			continue
		}
		var out []string
		collectNestedRefs(def.Nodes, &out)
		refs[def.ID] = out
		for _, ref := range out {
			if !known[ref] {
				result.AddWarning(def.ID, schema.ErrCodeNotFound,
					fmt.Sprintf("nested workflow %q is not in the catalog", ref))
			}
		}
	}
	slices.Sort(ids)

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(ids))
	reported := make(map[string]bool)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = inProgress
		stack = append(stack, id)
		for _, next := range refs[id] {
			switch state[next] {
			case inProgress:
				start := slices.Index(stack, next)
				cycle := append(slices.Clone(stack[start:]), next)
				key := canonicalCycle(cycle[:len(cycle)-1])
				if !reported[key] {
					reported[key] = true
					result.AddError(id, schema.ErrCodeCycleDetected,
						"nested workflow cycle: "+strings.Join(cycle, " -> "))
				}
			case unvisited:
				if known[next] {
					visit(next)
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return result
}

// collectNestedRefs gathers workflowId references, descending into step
// children and inline workflows.
func collectNestedRefs(steps schema.Steps, out *[]string) {
	for _, step := range steps {
		switch s := step.(type) {
		case *schema.NestedStep:
			if s.WorkflowID != "" && !slices.Contains(*out, s.WorkflowID) {
				*out = append(*out, s.WorkflowID)
			}
			if s.Workflow != nil {
				collectNestedRefs(s.Workflow.Nodes, out)
			}
		case *schema.LoopStep:
			collectNestedRefs(s.Steps, out)
		case *schema.ConditionalStep:
			keys := make([]string, 0, len(s.Branches))
			for k := range s.Branches {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				collectNestedRefs(s.Branches[k], out)
			}
			collectNestedRefs(s.Default, out)
		}
	}
}

// canonicalCycle rotates a cycle so that the same loop found from different
// entry points is reported once.
func canonicalCycle(nodes []string) string {
	if len(nodes) == 0 {
		return ""
	}
	lo := 0
	for i, n := range nodes {
		if n < nodes[lo] {
			lo = i
		}
	}
	rotated := append(slices.Clone(nodes[lo:]), nodes[:lo]...)
	return strings.Join(rotated, ",")
}
