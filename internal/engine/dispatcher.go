package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/llm"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/sandbox"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/pkg/schema"
)

// Default limits.
const (
	DefaultMaxNestedDepth = 8
	DefaultMaxStepsPerRun = 10000
)

// DispatcherConfig wires the collaborators of step handlers.
type DispatcherConfig struct {
	Sandbox     sandbox.Sandbox
	LLM         llm.Client
	Expressions *expressions.Set
	Catalog     catalog.Catalog
	Breakers    *CircuitBreakerRegistry
	Tracer      trace.Tracer
	Logger      *slog.Logger
	// MaxNestedDepth bounds nested workflow recursion when a step sets no maxDepth.
	MaxNestedDepth int
	// MaxSteps bounds the steps walked inside one nested workflow.
	MaxSteps int
}

// Dispatcher runs a single step of any kind. It never returns an error:
// every failure, including a handler panic, becomes a failed StepResult.
type Dispatcher struct {
	sandbox  sandbox.Sandbox
	llm      llm.Client
	exprs    *expressions.Set
	catalog  catalog.Catalog
	breakers *CircuitBreakerRegistry
	tracer   trace.Tracer
	logger   *slog.Logger
	maxDepth int
	maxSteps int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		sandbox:  cfg.Sandbox,
		llm:      cfg.LLM,
		exprs:    cfg.Expressions,
		catalog:  cfg.Catalog,
		breakers: cfg.Breakers,
		tracer:   cfg.Tracer,
		logger:   logging.OrDiscard(cfg.Logger),
		maxDepth: cfg.MaxNestedDepth,
		maxSteps: cfg.MaxSteps,
	}
	if d.llm == nil {
		d.llm = llm.Unconfigured{}
	}
	if d.tracer == nil {
		d.tracer = tracing.Noop()
	}
	if d.maxDepth <= 0 {
		d.maxDepth = DefaultMaxNestedDepth
	}
	if d.maxSteps <= 0 {
		d.maxSteps = DefaultMaxStepsPerRun
	}
	return d
}

// Dispatch runs step against wctx, applying its timeout and, for code and
// llm steps, its retry policy.
func (d *Dispatcher) Dispatch(ctx context.Context, step schema.Step, wctx *WorkflowContext) *schema.StepResult {
	id := step.StepID()
	start := time.Now()
	ctx = logging.WithStepID(ctx, id)
	ctx, span := tracing.StartStep(ctx, d.tracer, id, string(step.Kind()))
	defer span.End()

	var (
		result   *schema.StepResult
		attempts int
	)
	timeout, err := stepTimeout(step)
	if err != nil {
		result = schema.FailedResult(id, err)
	} else {
		policy := retryPolicy(step)
		limit := maxAttempts(policy)
		for attempts < limit {
			attempts++
			result = d.attempt(ctx, step, wctx, timeout)
			if !result.Failed() || attempts == limit || !IsRetryableResult(result) {
				break
			}
			delay := ComputeBackoff(policy, attempts-1)
			logging.LogWith(ctx, d.logger).Debug("retrying step",
				slog.Int("attempt", attempts), slog.Duration("delay", delay), slog.String("error", result.Error))
			if WaitForBackoff(ctx, delay) != nil {
				break
			}
		}
		if result.Failed() && attempts > 1 {
			result.Error = fmt.Sprintf("%s (after %d attempts)", result.Error, attempts)
		}
	}

	result.StepID = id
	result.StepType = step.Kind()
	result.Attempts = attempts
	result.StartedAt = start.UTC()
	result.Duration = time.Since(start)

	metrics.RecordStep(string(step.Kind()), string(result.Status), result.Duration)
	span.SetAttributes(map[string]any{"step.status": string(result.Status), "step.attempts": attempts})
	if result.Failed() {
		span.Fail(result.Error)
	}
	return result
}

func (d *Dispatcher) attempt(ctx context.Context, step schema.Step, wctx *WorkflowContext, timeout time.Duration) (result *schema.StepResult) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, d.logger).Error("step handler panic", slog.Any("panic", r))
			result = schema.FailedResult(step.StepID(),
				schema.NewErrorf(schema.ErrCodeExecution, "step handler panicked: %v", r))
		}
	}()

	result = d.run(ctx, step, wctx)
	if result.Failed() && timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ErrorCode = schema.ErrCodeTimeout
		result.Error = fmt.Sprintf("step timed out after %s", timeout)
	}
	return result
}

func (d *Dispatcher) run(ctx context.Context, step schema.Step, wctx *WorkflowContext) *schema.StepResult {
	switch s := step.(type) {
	case *schema.CodeStep:
		return d.runCode(ctx, s, wctx)
	case *schema.LLMStep:
		return d.runLLM(ctx, s, wctx)
	case *schema.QuestionStep:
		return d.runQuestion(s, wctx)
	case *schema.ConditionalStep:
		return d.runConditional(ctx, s, wctx)
	case *schema.LoopStep:
		return d.runLoop(ctx, s, wctx)
	case *schema.NestedStep:
		return d.runNested(ctx, s, wctx)
	case *schema.UnknownStep:
		return schema.FailedResult(s.ID, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", s.Type))
	default:
		return schema.FailedResult(step.StepID(), schema.NewErrorf(schema.ErrCodeValidation, "unsupported step %T", step))
	}
}

// runSequence dispatches steps in order on scope, merging each completed
// output into scope. It stops at a break or continue signal and at the first
// failure not tolerated by an ignore policy.
func (d *Dispatcher) runSequence(ctx context.Context, steps schema.Steps, scope *WorkflowContext) (outputs map[string]any, control schema.Control, failed *schema.StepResult) {
	outputs = make(map[string]any, len(steps))
	for _, child := range steps {
		if err := ctx.Err(); err != nil {
			return outputs, schema.ControlNone, failure(child.StepID(), err)
		}
		r := d.Dispatch(ctx, child, scope)
		if r.Failed() {
			if tolerated(child) {
				continue
			}
			return outputs, schema.ControlNone, r
		}
		scope.Merge(r.Output)
		outputs[child.StepID()] = r.Output
		if r.Control == schema.ControlBreak || r.Control == schema.ControlContinue {
			return outputs, r.Control, nil
		}
	}
	return outputs, schema.ControlNone, nil
}

// failure converts a handler error into a failed result. Context errors map
// to TIMEOUT_ERROR and CANCELLED.
func failure(stepID string, err error) *schema.StepResult {
	if schema.CodeOf(err) == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = schema.NewError(schema.ErrCodeTimeout, "step deadline exceeded").WithCause(err)
		case errors.Is(err, context.Canceled):
			err = schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithCause(err)
		}
	}
	return schema.FailedResult(stepID, err)
}

func stepTimeout(step schema.Step) (time.Duration, error) {
	raw := step.Base().Timeout
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", raw).WithStep(step.StepID())
	}
	return d, nil
}

// retryPolicy returns the policy honoured for step. Only code and llm steps retry.
func retryPolicy(step schema.Step) *schema.RetryPolicy {
	switch step.(type) {
	case *schema.CodeStep, *schema.LLMStep:
		return step.Base().Retry
	}
	return nil
}
