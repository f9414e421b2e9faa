package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/pkg/schema"
)

// advance walks a running session until it pauses, terminates, is
// interrupted or hits a persistence error. Each step is checkpointed before
// its events are broadcast. The caller must hold the session's claim.
func (e *Engine) advance(ctx context.Context, state *store.ExecutionState, def *schema.WorkflowDefinition) {
	metrics.RunStarted()
	defer metrics.RunFinished()
	ctx, span := tracing.StartRun(ctx, e.tracer, state.ID, def.ID)
	defer span.End()
	log := logging.LogWith(ctx, e.logger)

	wctx := newWorkflowContext(state.ID, def.ID, state.Context)
	state.Context = wctx.Data

	for steps := 0; ; steps++ {
		if ctx.Err() != nil {
			log.Info("run interrupted", slog.String("node", state.CurrentNode))
			return
		}

		if schema.IsTerminalNode(state.CurrentNode) {
			e.finishAt(ctx, state, state.CurrentNode)
			return
		}
		step, ok := def.Node(state.CurrentNode)
		if !ok {
			e.failRun(ctx, state, schema.NewErrorf(schema.ErrCodeValidation,
				"node %q is not part of workflow %q", state.CurrentNode, def.ID))
			return
		}
		if steps >= e.cfg.MaxStepsPerRun {
			e.failRun(ctx, state, schema.NewErrorf(schema.ErrCodeExecution,
				"run exceeded %d steps", e.cfg.MaxStepsPerRun))
			return
		}

		result := e.dispatcher.Dispatch(ctx, step, wctx)
		if ctx.Err() != nil {
			// An interrupted step is discarded; a resume dispatches it again.
			log.Info("run interrupted", slog.String("node", step.StepID()))
			return
		}

		cp, done := e.applyResult(state, def, step, result, wctx)
		if err := e.store.Checkpoint(ctx, cp); err != nil {
			log.Error("checkpoint failed", slog.String("step_id", step.StepID()), slog.String("error", storeError(err).Error()))
			span.Fail(err.Error())
			return
		}
		e.broadcast(ctx, cp.Events)
		if done {
			log.Info("run stopped", slog.String("status", string(state.Status)), slog.String("node", state.CurrentNode))
			if state.Status == schema.StatusFailed {
				span.Fail(state.LastError)
			}
			return
		}
	}
}

// applyResult folds one step result into state and returns the checkpoint
// to persist. done reports that the run must stop after it.
func (e *Engine) applyResult(state *store.ExecutionState, def *schema.WorkflowDefinition, step schema.Step,
	result *schema.StepResult, wctx *WorkflowContext) (cp store.Checkpoint, done bool) {

	id := step.StepID()
	awaiting := result.Control == schema.ControlAwait && !result.Failed()
	if !result.Failed() && !awaiting {
		wctx.Merge(result.Output)
	}
	state.CurrentBatchIndex++
	cp = store.Checkpoint{State: state, Result: result}

	stepEvent := schema.EventStepCompleted
	if result.Failed() {
		stepEvent = schema.EventStepFailed
	}
	cp.Events = append(cp.Events, newEvent(stepEvent, id, stepPayload(result)))

	routing, err := Route(def, step, result)
	if err != nil {
		e.fail(state, &cp, err.Error())
		return cp, true
	}
	if routing.Fail {
		e.fail(state, &cp, result.Err().Error())
		return cp, true
	}
	if routing.Event != "" {
		cp.Events = append(cp.Events, newEvent(routing.Event, id, map[string]any{
			"error": result.Error,
			"next":  routing.Next,
		}))
	}
	state.CurrentNode = routing.Next

	if awaiting {
		q, _ := step.(*schema.QuestionStep)
		state.PendingQuestion = pendingQuestion(q, result)
		if err := e.fsm.Transition(state, schema.StatusPaused); err != nil {
			e.fail(state, &cp, err.Error())
			return cp, true
		}
		cp.Events = append(cp.Events, newEvent(schema.EventWorkflowPaused, id, map[string]any{
			"question": state.PendingQuestion.Prompt,
			"variable": state.PendingQuestion.Variable,
			"next":     state.CurrentNode,
		}))
		return cp, true
	}

	if schema.IsTerminalNode(state.CurrentNode) {
		e.terminate(state, &cp, state.CurrentNode)
		return cp, true
	}
	return cp, false
}

// terminate stamps the end of the graph onto cp.
func (e *Engine) terminate(state *store.ExecutionState, cp *store.Checkpoint, node string) {
	if node == schema.NodeFailed {
		e.fail(state, cp, "workflow reached "+schema.NodeFailed)
		return
	}
	if err := e.fsm.Transition(state, schema.StatusCompleted); err != nil {
		e.fail(state, cp, err.Error())
		return
	}
	cp.Events = append(cp.Events, newEvent(schema.EventWorkflowCompleted, "", map[string]any{"steps": state.CurrentBatchIndex}))
}

func (e *Engine) fail(state *store.ExecutionState, cp *store.Checkpoint, msg string) {
	state.LastError = msg
	if err := e.fsm.Transition(state, schema.StatusFailed); err != nil {
		// Only reachable from a terminal status, which never runs.
		state.Status = schema.StatusFailed
	}
	cp.Events = append(cp.Events, newEvent(schema.EventWorkflowFailed, "", map[string]any{"error": msg}))
}

// finishAt handles a run entered on a terminal node, as after a crash
// between the last step and its terminal write.
func (e *Engine) finishAt(ctx context.Context, state *store.ExecutionState, node string) {
	cp := store.Checkpoint{State: state}
	e.terminate(state, &cp, node)
	e.persistAndBroadcast(ctx, cp)
}

// failRun fails the session without a step result.
func (e *Engine) failRun(ctx context.Context, state *store.ExecutionState, err error) {
	cp := store.Checkpoint{State: state}
	e.fail(state, &cp, err.Error())
	e.persistAndBroadcast(ctx, cp)
}

func (e *Engine) persistAndBroadcast(ctx context.Context, cp store.Checkpoint) {
	if err := e.store.Checkpoint(ctx, cp); err != nil {
		logging.LogWith(ctx, e.logger).Error("checkpoint failed", slog.String("error", storeError(err).Error()))
		return
	}
	e.broadcast(ctx, cp.Events)
}

func pendingQuestion(q *schema.QuestionStep, result *schema.StepResult) *store.PendingQuestion {
	pq := &store.PendingQuestion{StepID: result.StepID, AskedAt: time.Now().UTC()}
	if prompt, ok := result.Output["question"].(string); ok {
		pq.Prompt = prompt
	}
	if variable, ok := result.Output["variable"].(string); ok {
		pq.Variable = variable
	}
	if q != nil {
		pq.Options = q.Options
		if pq.Variable == "" {
			pq.Variable = questionVariable(q)
		}
	}
	return pq
}

func stepPayload(r *schema.StepResult) map[string]any {
	p := map[string]any{
		"status":     string(r.Status),
		"stepType":   string(r.StepType),
		"durationMs": r.Duration.Milliseconds(),
		"attempts":   r.Attempts,
	}
	if r.Branch != "" {
		p["branch"] = r.Branch
	}
	if r.Failed() {
		p["error"] = r.Error
		p["errorCode"] = r.ErrorCode
	}
	return p
}
