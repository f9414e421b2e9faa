package validation

import (
	"fmt"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// highRetryThreshold is the attempt count above which a warning is issued.
const highRetryThreshold = 10

var (
	codeLanguages      = map[string]bool{"": true, "lua": true, "expr": true, "jq": true}
	predicateLanguages = map[string]bool{"": true, "cel": true, "expr": true}
)

// scope describes where a step list sits in the definition.
type scope struct {
	topLevel bool
	// container is the kind of the enclosing step, empty at the top level.
	container schema.StepType
	nested    bool
}

type semanticChecker struct {
	result *schema.ValidationResult
	ids    map[string]string
	nodes  map[string]bool
}

// validateSemantic checks references and step contents that JSON Schema
// cannot express. Inline nested workflows are checked recursively under
// their own id namespace.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	checkDefinition(def, "", false, result)
	return result
}

func checkDefinition(def *schema.WorkflowDefinition, prefix string, nested bool, result *schema.ValidationResult) {
	c := &semanticChecker{
		result: result,
		ids:    make(map[string]string),
		nodes:  make(map[string]bool, len(def.Nodes)),
	}
	for _, s := range def.Nodes {
		c.nodes[s.StepID()] = true
	}

	if def.Start == "" {
		result.AddError(prefix+"start", schema.ErrCodeValidation, "start node is required")
	} else if !c.nodes[def.Start] {
		result.AddError(prefix+"start", schema.ErrCodeValidation,
			fmt.Sprintf("start node %q does not exist", def.Start))
	}

	c.checkSteps(def.Nodes, prefix+"nodes", scope{topLevel: true, nested: nested})

	for i, e := range def.Edges {
		path := fmt.Sprintf("%sedges[%d]", prefix, i)
		if !c.nodes[e.From] {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("edge source %q does not exist", e.From))
		}
		if !c.nodes[e.To] && !schema.IsTerminalNode(e.To) {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("edge target %q does not exist", e.To))
		}
	}
}

func (c *semanticChecker) checkSteps(steps schema.Steps, path string, sc scope) {
	for i, step := range steps {
		c.checkStep(step, fmt.Sprintf("%s[%d]", path, i), sc)
	}
}

func (c *semanticChecker) checkStep(step schema.Step, path string, sc scope) {
	id := step.StepID()
	switch {
	case id == "":
		c.result.AddError(path+".id", schema.ErrCodeValidation, "step id is required")
	case schema.IsTerminalNode(id):
		c.result.AddError(path+".id", schema.ErrCodeValidation,
			fmt.Sprintf("step id %q is reserved", id))
	default:
		if prev, dup := c.ids[id]; dup {
			c.result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first defined at %s)", id, prev))
		} else {
			c.ids[id] = path
		}
	}

	c.checkBase(step.Base(), path, sc)

	switch s := step.(type) {
	case *schema.CodeStep:
		if !codeLanguages[s.Language] {
			c.result.AddError(path+".language", schema.ErrCodeValidation,
				fmt.Sprintf("unsupported code language %q", s.Language))
		}
	case *schema.LLMStep:
		if s.Prompt == "" {
			c.result.AddError(path+".prompt", schema.ErrCodeValidation, "llm step requires a prompt")
		}
	case *schema.QuestionStep:
		if !sc.topLevel || sc.nested {
			where := string(sc.container)
			if sc.nested && sc.topLevel {
				where = "nested workflow"
			}
			c.result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("question %q cannot pause inside a %s", id, where))
		}
		seen := make(map[string]bool, len(s.Options))
		for j, opt := range s.Options {
			if seen[opt.ID] {
				c.result.AddError(fmt.Sprintf("%s.options[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("duplicate option %q", opt.ID))
			}
			seen[opt.ID] = true
		}
	case *schema.ConditionalStep:
		if !predicateLanguages[s.Language] {
			c.result.AddError(path+".language", schema.ErrCodeValidation,
				fmt.Sprintf("unsupported predicate language %q", s.Language))
		}
		child := scope{container: schema.StepTypeConditional, nested: sc.nested}
		for key, branch := range s.Branches {
			switch key {
			case "":
				c.result.AddError(path+".branches", schema.ErrCodeValidation, "branch label is empty")
			case schema.DefaultBranch:
				c.result.AddError(fmt.Sprintf("%s.branches[%s]", path, key), schema.ErrCodeValidation,
					`branch label "default" is reserved, use the default steps instead`)
			}
			c.checkSteps(branch, fmt.Sprintf("%s.branches[%s]", path, key), child)
		}
		c.checkSteps(s.Default, path+".default", child)
	case *schema.LoopStep:
		if len(s.Steps) == 0 {
			c.result.AddError(path+".steps", schema.ErrCodeValidation, "loop body is empty")
		}
		if s.MaxIterations < 0 {
			c.result.AddError(path+".maxIterations", schema.ErrCodeValidation, "maxIterations must not be negative")
		}
		c.checkSteps(s.Steps, path+".steps", scope{container: schema.StepTypeLoop, nested: sc.nested})
	case *schema.NestedStep:
		switch {
		case s.WorkflowID == "" && s.Workflow == nil:
			c.result.AddError(path, schema.ErrCodeValidation, "nested step requires workflowId or workflow")
		case s.WorkflowID != "" && s.Workflow != nil:
			c.result.AddError(path, schema.ErrCodeValidation, "nested step sets both workflowId and workflow")
		case s.Workflow != nil:
			checkDefinition(s.Workflow, path+".workflow.", true, c.result)
			c.result.Merge(validateGraph(s.Workflow, path+".workflow."))
		}
	case *schema.UnknownStep:
		c.result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown step type %q", s.Type))
	}
}

func (c *semanticChecker) checkBase(b *schema.StepBase, path string, sc scope) {
	if b.Timeout != "" {
		if d, err := time.ParseDuration(b.Timeout); err != nil || d <= 0 {
			c.result.AddError(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", b.Timeout))
		}
	}

	if r := b.Retry; r != nil {
		for field, raw := range map[string]string{"delay": r.Delay, "maxDelay": r.MaxDelay} {
			if raw == "" {
				continue
			}
			if d, err := time.ParseDuration(raw); err != nil || d < 0 {
				c.result.AddError(path+".retry."+field, schema.ErrCodeValidation,
					fmt.Sprintf("invalid duration %q", raw))
			}
		}
		if r.MaxAttempts > highRetryThreshold {
			c.result.AddWarning(path+".retry.maxAttempts", schema.ErrCodeValidation,
				fmt.Sprintf("maxAttempts %d is unusually high", r.MaxAttempts))
		}
	}

	if p := b.OnError; p != nil && p.Strategy == schema.ErrorStrategyRoute {
		switch {
		case !sc.topLevel:
			c.result.AddWarning(path+".onError", schema.ErrCodeValidation,
				"onError route only applies to graph nodes and is ignored here")
		case p.Target == "":
			c.result.AddError(path+".onError.target", schema.ErrCodeValidation, "route strategy requires a target")
		case !c.nodes[p.Target] && !schema.IsTerminalNode(p.Target):
			c.result.AddError(path+".onError.target", schema.ErrCodeValidation,
				fmt.Sprintf("route target %q does not exist", p.Target))
		}
	}
}
