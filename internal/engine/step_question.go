package engine

import (
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// runQuestion completes immediately with an await signal; the engine turns
// it into a paused session.
func (d *Dispatcher) runQuestion(s *schema.QuestionStep, wctx *WorkflowContext) *schema.StepResult {
	if wctx.insideSubgraph() {
		return schema.FailedResult(s.ID, schema.NewError(schema.ErrCodeValidation,
			"question steps can only run at the top level of a workflow"))
	}
	prompt, err := expressions.Interpolate(s.Prompt, wctx.Data)
	if err != nil {
		return schema.FailedResult(s.ID, err)
	}

	options := make([]any, 0, len(s.Options))
	for _, o := range s.Options {
		options = append(options, map[string]any{"id": o.ID, "label": o.Label})
	}
	res := schema.CompletedResult(s.ID, map[string]any{
		"awaitingInput": true,
		"question":      prompt,
		"variable":      questionVariable(s),
		"options":       options,
	})
	res.Control = schema.ControlAwait
	return res
}

// questionVariable is the context key an answer is stored under.
func questionVariable(s *schema.QuestionStep) string {
	if s.Variable != "" {
		return s.Variable
	}
	return s.ID
}
