package engine

import (
	"context"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// DefaultPredicateLanguage evaluates conditionals that set no language.
const DefaultPredicateLanguage = "cel"

func (d *Dispatcher) runConditional(ctx context.Context, s *schema.ConditionalStep, wctx *WorkflowContext) *schema.StepResult {
	if d.exprs == nil {
		return schema.FailedResult(s.ID, schema.NewError(schema.ErrCodeValidation, "no expression engines configured"))
	}
	lang := s.Language
	if lang == "" {
		lang = DefaultPredicateLanguage
	}
	v, err := d.exprs.Evaluate(ctx, lang, s.Expression, wctx.Data)
	if err != nil {
		return failure(s.ID, err)
	}
	branch, err := expressions.BranchKey(v)
	if err != nil {
		return schema.FailedResult(s.ID, err)
	}

	output := map[string]any{"branch": branch}
	children, ok := s.Branches[branch]
	if !ok {
		children = s.Default
	}

	var control schema.Control
	if len(children) > 0 {
		scope := wctx.Snapshot()
		scope.BranchDepth++
		outputs, ctl, failed := d.runSequence(ctx, children, scope)
		for _, child := range children {
			out, _ := outputs[child.StepID()].(map[string]any)
			for k, v := range out {
				output[k] = v
			}
		}
		output["branch"] = branch
		if failed != nil {
			res := schema.FailedResult(s.ID, schema.NewErrorf(codeOr(failed.ErrorCode, schema.ErrCodeStepFailed),
				"branch %q step %s: %s", branch, failed.StepID, failed.Error))
			res.Output = output
			res.Branch = branch
			return res
		}
		control = ctl
	}

	res := schema.CompletedResult(s.ID, output)
	res.Branch = branch
	res.Control = control
	return res
}

func codeOr(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}
