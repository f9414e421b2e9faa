package engine

import (
	"github.com/rendis/opflow/pkg/schema"
)

// NextNode resolves the successor of from. A labelled edge matching branch
// wins, then the edge labelled "default", then an unlabelled edge. A node
// without outgoing edges leads to End.
//
// "default" is never a branch of its own: validation rejects it as a branch
// label, and a predicate that yields it lands on the fallback edge.
func NextNode(def *schema.WorkflowDefinition, from, branch string) (string, error) {
	var unlabelled, fallback string
	outgoing := 0
	for _, e := range def.Edges {
		if e.From != from {
			continue
		}
		outgoing++
		switch {
		case e.Condition == "":
			if unlabelled == "" {
				unlabelled = e.To
			}
		case e.Condition == schema.DefaultBranch:
			if fallback == "" {
				fallback = e.To
			}
		case branch != "" && e.Condition == branch:
			return e.To, nil
		}
	}

	if branch != "" && fallback != "" {
		return fallback, nil
	}
	if unlabelled != "" {
		return unlabelled, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	if outgoing == 0 {
		return schema.NodeEnd, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation,
		"no edge from %q matches branch %q", from, branch).WithStep(from)
}
