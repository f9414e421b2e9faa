package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/llm"
	"github.com/rendis/opflow/internal/sandbox"
	"github.com/rendis/opflow/pkg/schema"
)

// scriptFunc stands in for a code-step source.
type scriptFunc func(ctx context.Context, data map[string]any) (map[string]any, error)

// fakeSandbox resolves a code step's source to a registered Go function.
type fakeSandbox struct {
	mu      sync.Mutex
	scripts map[string]scriptFunc
	calls   []string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{scripts: make(map[string]scriptFunc)}
}

func (f *fakeSandbox) on(source string, fn scriptFunc) *fakeSandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[source] = fn
	return f
}

func (f *fakeSandbox) Run(ctx context.Context, req sandbox.Request) (map[string]any, error) {
	f.mu.Lock()
	fn, ok := f.scripts[req.Source]
	f.calls = append(f.calls, req.StepID)
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no script registered for %q", req.Source)
	}
	return fn(ctx, req.Data)
}

func (f *fakeSandbox) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// returns builds a script that always yields out.
func returns(out map[string]any) scriptFunc {
	return func(context.Context, map[string]any) (map[string]any, error) {
		cp := make(map[string]any, len(out))
		for k, v := range out {
			cp[k] = v
		}
		return cp, nil
	}
}

func fails(msg string) scriptFunc {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, msg)
	}
}

// fakeLLM answers every prompt with a fixed text unless err is set.
type fakeLLM struct {
	mu       sync.Mutex
	text     string
	err      error
	requests []llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text, Model: req.Model, Usage: llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}, nil
}

func (f *fakeLLM) Requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

func mustParse(t *testing.T, src string) *schema.WorkflowDefinition {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(src))
	require.NoError(t, err)
	return def
}

func mustStep(t *testing.T, src string) schema.Step {
	t.Helper()
	step, err := schema.DecodeStep([]byte(src))
	require.NoError(t, err)
	return step
}

func newTestDispatcher(t *testing.T, sb sandbox.Sandbox, client llm.Client, defs ...*schema.WorkflowDefinition) *Dispatcher {
	t.Helper()
	exprs, err := expressions.NewSet()
	require.NoError(t, err)
	return NewDispatcher(DispatcherConfig{
		Sandbox:     sb,
		LLM:         client,
		Expressions: exprs,
		Catalog:     catalog.NewMemoryCatalog(defs...),
		Breakers:    NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
	})
}

func rootContext(data map[string]any) *WorkflowContext {
	return newWorkflowContext("s1", "wf", data)
}
