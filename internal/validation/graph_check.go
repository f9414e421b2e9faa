package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// validateGraph checks the edge structure of a definition. Cycles are legal
// (they are bounded at run time by the step budget) but End must be reachable
// from the start node, and every node should be reachable.
func validateGraph(def *schema.WorkflowDefinition, prefix string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def.Start == "" {
		return result
	}

	kinds := make(map[string]schema.StepType, len(def.Nodes))
	for _, s := range def.Nodes {
		kinds[s.StepID()] = s.Kind()
	}

	succ := make(map[string][]string, len(def.Nodes))
	unlabelled := make(map[string]int)
	for i, e := range def.Edges {
		succ[e.From] = append(succ[e.From], e.To)
		switch {
		case e.Condition == "":
			unlabelled[e.From]++
			if unlabelled[e.From] == 2 {
				result.AddError(fmt.Sprintf("%sedges[%d]", prefix, i), schema.ErrCodeValidation,
					fmt.Sprintf("node %q has more than one unconditional edge", e.From))
			}
		case e.Condition != schema.DefaultBranch && kinds[e.From] != "" && kinds[e.From] != schema.StepTypeConditional:
			result.AddWarning(fmt.Sprintf("%sedges[%d].condition", prefix, i), schema.ErrCodeValidation,
				fmt.Sprintf("edge from %s node %q is labelled %q and will never be selected",
					kinds[e.From], e.From, e.Condition))
		}
	}
	for _, s := range def.Nodes {
		id := s.StepID()
		if len(succ[id]) == 0 {
			succ[id] = []string{schema.NodeEnd}
		}
		if p := s.Base().OnError; p != nil && p.Strategy == schema.ErrorStrategyRoute && p.Target != "" {
			succ[id] = append(succ[id], p.Target)
		}
	}

	reached := map[string]bool{def.Start: true}
	queue := []string{def.Start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range succ[node] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	if !reached[schema.NodeEnd] {
		result.AddError(prefix+"edges", schema.ErrCodeValidation,
			fmt.Sprintf("%s is not reachable from start node %q", schema.NodeEnd, def.Start))
	}

	var orphans []string
	for _, s := range def.Nodes {
		if !reached[s.StepID()] {
			orphans = append(orphans, s.StepID())
		}
	}
	if len(orphans) > 0 {
		slices.Sort(orphans)
		result.AddWarning(prefix+"nodes", schema.ErrCodeValidation,
			"unreachable nodes: "+strings.Join(orphans, ", "))
	}
	return result
}
