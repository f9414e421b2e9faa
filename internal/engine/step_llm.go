package engine

import (
	"context"
	"errors"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/llm"
	"github.com/rendis/opflow/pkg/schema"
)

// DefaultOutputKey receives the model's text when an llm step sets no outputKey.
const DefaultOutputKey = "response"

func (d *Dispatcher) runLLM(ctx context.Context, s *schema.LLMStep, wctx *WorkflowContext) *schema.StepResult {
	prompt, err := expressions.Interpolate(s.Prompt, wctx.Data)
	if err != nil {
		return schema.FailedResult(s.ID, err)
	}
	var messages []llm.Message
	if s.System != "" {
		system, err := expressions.Interpolate(s.System, wctx.Data)
		if err != nil {
			return schema.FailedResult(s.ID, err)
		}
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	key := "llm:" + s.Model
	if s.Model == "" {
		key = "llm:default"
	}
	if err := d.breakers.Allow(key); err != nil {
		return schema.FailedResult(s.ID, err)
	}

	resp, err := d.llm.Complete(ctx, llm.Request{
		Model:       s.Model,
		Messages:    messages,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, llm.ErrNotConfigured) {
			d.breakers.Failure(key)
		}
		if schema.CodeOf(err) == "" && ctx.Err() == nil {
			err = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
		}
		return failure(s.ID, err)
	}
	d.breakers.Success(key)

	outputKey := s.OutputKey
	if outputKey == "" {
		outputKey = DefaultOutputKey
	}
	return schema.CompletedResult(s.ID, map[string]any{
		outputKey: resp.Text,
		"model":   resp.Model,
		"usage": map[string]any{
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
			"totalTokens":      resp.Usage.TotalTokens,
		},
	})
}
