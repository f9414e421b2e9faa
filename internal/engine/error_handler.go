package engine

import (
	"github.com/rendis/opflow/pkg/schema"
)

// Routing is the decision taken after a top-level step returned.
type Routing struct {
	// Next is the node to continue with. Empty when Fail is set.
	Next string
	// Event is step_ignored or step_routed when an onError policy tolerated a failure.
	Event string
	// Fail means the session must fail with the step's error.
	Fail bool
}

// Route decides where a walk goes after step produced result.
// A failed step is handled by its onError policy: ignore follows the
// ordinary edge, route jumps to the target, fail (the default) stops.
func Route(def *schema.WorkflowDefinition, step schema.Step, result *schema.StepResult) (Routing, error) {
	id := step.StepID()
	if !result.Failed() {
		next, err := NextNode(def, id, result.Branch)
		return Routing{Next: next}, err
	}

	policy := step.Base().OnError
	if policy == nil {
		return Routing{Fail: true}, nil
	}
	switch policy.Strategy {
	case schema.ErrorStrategyIgnore:
		next, err := NextNode(def, id, "")
		return Routing{Next: next, Event: schema.EventStepIgnored}, err
	case schema.ErrorStrategyRoute:
		if policy.Target == "" {
			return Routing{}, schema.NewError(schema.ErrCodeValidation, "onError route has no target").WithStep(id)
		}
		if _, ok := def.Node(policy.Target); !ok && !schema.IsTerminalNode(policy.Target) {
			return Routing{}, schema.NewErrorf(schema.ErrCodeValidation,
				"onError target %q is not a node", policy.Target).WithStep(id)
		}
		return Routing{Next: policy.Target, Event: schema.EventStepRouted}, nil
	default:
		return Routing{Fail: true}, nil
	}
}

// tolerated reports whether a failed step inside a loop or branch may be
// skipped over. Only the ignore strategy applies there.
func tolerated(step schema.Step) bool {
	p := step.Base().OnError
	return p != nil && p.Strategy == schema.ErrorStrategyIgnore
}
