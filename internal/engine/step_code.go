package engine

import (
	"context"
	"errors"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/sandbox"
	"github.com/rendis/opflow/pkg/schema"
)

func (d *Dispatcher) runCode(ctx context.Context, s *schema.CodeStep, wctx *WorkflowContext) *schema.StepResult {
	if d.sandbox == nil {
		return schema.FailedResult(s.ID, schema.NewError(schema.ErrCodeValidation, "no sandbox configured for code steps"))
	}
	lang := s.Language
	if lang == "" {
		lang = sandbox.LanguageLua
	}
	key := "sandbox:" + lang
	if err := d.breakers.Allow(key); err != nil {
		return schema.FailedResult(s.ID, err)
	}

	out, err := d.sandbox.Run(ctx, sandbox.Request{
		StepID:   s.ID,
		Language: lang,
		Source:   s.Source,
		Data:     expressions.DeepCopyMap(wctx.Data),
	})
	if err != nil {
		// Script errors are the author's problem; only hung interpreters trip the breaker.
		if errors.Is(err, context.DeadlineExceeded) {
			d.breakers.Failure(key)
		}
		return failure(s.ID, err)
	}
	d.breakers.Success(key)

	res := schema.CompletedResult(s.ID, out)
	res.Control = liftControl(out)
	return res
}

// liftControl turns boolean break/continue keys of a code output into a
// control signal and removes them from the output.
func liftControl(out map[string]any) schema.Control {
	control := schema.ControlNone
	if v, ok := out["continue"].(bool); ok {
		delete(out, "continue")
		if v {
			control = schema.ControlContinue
		}
	}
	if v, ok := out["break"].(bool); ok {
		delete(out, "break")
		if v {
			control = schema.ControlBreak
		}
	}
	return control
}
