package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/remote"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// workerReport collects bridge callbacks that arrive while the session's
// worker is still being provisioned.
type workerReport struct {
	started   bool
	completed bool
	data      map[string]any
}

func (e *Engine) expectReports(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.early[sessionID] = &workerReport{}
}

// takeReports stops buffering callbacks for the session and returns what arrived.
func (e *Engine) takeReports(sessionID string) *workerReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.early[sessionID]
	delete(e.early, sessionID)
	return r
}

// bufferReport applies fn to the session's pending report. It returns false
// when the session is not being provisioned.
func (e *Engine) bufferReport(sessionID string, fn func(*workerReport)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.early[sessionID]
	if ok {
		fn(r)
	}
	return ok
}

// provision starts a remote worker for a freshly created session. On failure
// the session is persisted as failed and the error is returned. Callbacks the
// worker sends before Provision returns are applied once the link is stored.
func (e *Engine) provision(ctx, runCtx context.Context, state *store.ExecutionState, def *schema.WorkflowDefinition) (*store.ExecutionState, error) {
	log := logging.LogWith(runCtx, e.logger)
	created := newEvent(schema.EventSessionCreated, "", map[string]any{"workflowId": def.ID, "execution": string(schema.ExecutionRemote)})

	e.expectReports(state.ID)
	handle, err := e.startWorker(ctx, state)
	if err != nil {
		e.takeReports(state.ID)
		log.Error("provision remote worker", slog.String("error", err.Error()))
		cp := store.Checkpoint{State: state, Events: []*store.Event{created}}
		e.fail(state, &cp, err.Error())
		if werr := e.store.Checkpoint(ctx, cp); werr != nil {
			return nil, storeError(werr)
		}
		e.broadcast(ctx, cp.Events)
		return state.Clone(), err
	}

	state.Remote = &store.RemoteLink{
		ServiceID:     handle.ServiceID,
		DeploymentID:  handle.DeploymentID,
		ProvisionedAt: time.Now().UTC(),
	}
	events := []*store.Event{
		created,
		newEvent(schema.EventWorkerProvisioned, "", map[string]any{
			"serviceId":    handle.ServiceID,
			"deploymentId": handle.DeploymentID,
		}),
	}
	if err := e.store.Checkpoint(ctx, store.Checkpoint{State: state, Events: events}); err != nil {
		e.takeReports(state.ID)
		// The worker would report into a session we could not link; release it.
		if terr := e.remote.Teardown(context.WithoutCancel(ctx), handle); terr != nil {
			log.Warn("teardown after failed checkpoint", slog.String("error", terr.Error()))
		}
		return nil, storeError(err)
	}
	e.broadcast(ctx, events)
	log.Info("remote worker provisioned", slog.String("deployment_id", handle.DeploymentID))

	if rep := e.takeReports(state.ID); rep != nil && (rep.started || rep.completed) {
		log.Debug("applying reports received during provisioning",
			slog.Bool("started", rep.started), slog.Bool("completed", rep.completed))
		if err := e.applyReport(ctx, runCtx, state, rep); err != nil {
			log.Warn("apply early worker report", slog.String("error", err.Error()))
		}
	}
	return state.Clone(), nil
}

func (e *Engine) applyReport(ctx, runCtx context.Context, state *store.ExecutionState, rep *workerReport) error {
	if rep.started {
		if err := e.markStarted(ctx, state); err != nil {
			return err
		}
	}
	if rep.completed {
		return e.completeRemote(ctx, runCtx, state, rep.data)
	}
	return nil
}

func (e *Engine) startWorker(ctx context.Context, state *store.ExecutionState) (remote.WorkerHandle, error) {
	if e.remote == nil || e.tokens == nil {
		return remote.WorkerHandle{}, schema.NewError(schema.ErrCodeValidation, "remote execution is not configured")
	}
	token, err := e.tokens.Issue(state.ID)
	if err != nil {
		return remote.WorkerHandle{}, schema.NewError(schema.ErrCodeExecution, "issue bridge token").WithCause(err)
	}
	handle, err := e.remote.Provision(ctx, remote.ProvisionRequest{
		SessionID:   state.ID,
		WorkflowID:  state.WorkflowID,
		Input:       state.Context,
		Token:       token,
		CallbackURL: e.cfg.CallbackURL,
	})
	if err != nil {
		return remote.WorkerHandle{}, schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
	}
	return handle, nil
}

// MarkRemoteStarted records that a session's remote worker began running.
// Terminal and already running sessions are left untouched. A report that
// races provisioning is held until the worker link is stored.
func (e *Engine) MarkRemoteStarted(ctx context.Context, sessionID string) error {
	if e.bufferReport(sessionID, func(r *workerReport) { r.started = true }) {
		return nil
	}
	run, err := e.claimWhenIdle(ctx, sessionID)
	if err != nil {
		return err
	}
	defer e.release(sessionID, run)

	state, err := e.loadRemote(ctx, sessionID)
	if err != nil || state == nil {
		return err
	}
	return e.markStarted(ctx, state)
}

func (e *Engine) markStarted(ctx context.Context, state *store.ExecutionState) error {
	if state.Status != schema.StatusPending {
		return nil
	}
	if err := e.fsm.Transition(state, schema.StatusRunning); err != nil {
		return err
	}
	events := []*store.Event{newEvent(schema.EventExecutionStarted, "", map[string]any{"remote": true})}
	if err := e.store.Checkpoint(ctx, store.Checkpoint{State: state, Events: events}); err != nil {
		return storeError(err)
	}
	e.broadcast(ctx, events)
	return nil
}

// CompleteRemote folds a remote worker's final data into its session and
// completes it. Completing a terminal session is a no-op; of repeated
// reports during provisioning the first one wins.
func (e *Engine) CompleteRemote(ctx context.Context, sessionID string, data map[string]any) error {
	if e.bufferReport(sessionID, func(r *workerReport) {
		if !r.completed {
			r.completed = true
			r.data = expressions.DeepCopyMap(data)
		}
	}) {
		return nil
	}
	run, err := e.claimWhenIdle(ctx, sessionID)
	if err != nil {
		return err
	}
	defer e.release(sessionID, run)

	state, err := e.loadRemote(ctx, sessionID)
	if err != nil || state == nil {
		return err
	}
	return e.completeRemote(ctx, run.ctx, state, data)
}

func (e *Engine) completeRemote(ctx, runCtx context.Context, state *store.ExecutionState, data map[string]any) error {
	if state.Status.IsTerminal() {
		return nil
	}
	for k, v := range data {
		state.Context[k] = v
	}
	state.CurrentNode = schema.NodeEnd
	if err := e.fsm.Transition(state, schema.StatusCompleted); err != nil {
		return err
	}
	events := []*store.Event{newEvent(schema.EventWorkflowCompleted, "", map[string]any{"remote": true})}
	if err := e.store.Checkpoint(ctx, store.Checkpoint{State: state, Events: events}); err != nil {
		return storeError(err)
	}
	e.broadcast(ctx, events)
	logging.LogWith(runCtx, e.logger).Info("remote session completed")

	e.releaseWorker(ctx, state)
	return nil
}

// loadRemote loads a session a worker reports on. It returns nil for a
// terminal session without a worker link, such as one whose provisioning
// failed, and CONFLICT for a live session that was never delegated.
func (e *Engine) loadRemote(ctx context.Context, sessionID string) (*store.ExecutionState, error) {
	state, err := e.store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, storeError(err)
	}
	if state.Remote != nil {
		return state, nil
	}
	if state.Status.IsTerminal() {
		return nil, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict, "session %q is not delegated to a remote worker", sessionID)
}

// releaseWorker tears down the session's worker once and records it.
// Failures are logged and left for the sweeper. The caller holds the claim.
func (e *Engine) releaseWorker(ctx context.Context, state *store.ExecutionState) {
	if state.Remote == nil || state.Remote.Released || e.remote == nil {
		return
	}
	log := logging.LogWith(logging.WithSessionID(ctx, state.ID), e.logger)
	handle := remote.WorkerHandle{
		ServiceID:    state.Remote.ServiceID,
		DeploymentID: state.Remote.DeploymentID,
		CreatedAt:    state.Remote.ProvisionedAt,
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.remote.Teardown(ctx, handle); err != nil {
		log.Warn("remote teardown failed", slog.String("deployment_id", handle.DeploymentID), slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	state.Remote.Released = true
	state.Remote.ReleasedAt = &now
	events := []*store.Event{newEvent(schema.EventWorkerReleased, "", map[string]any{"deploymentId": handle.DeploymentID})}
	if err := e.store.Checkpoint(ctx, store.Checkpoint{State: state, Events: events}); err != nil {
		log.Warn("record worker release", slog.String("error", err.Error()))
		return
	}
	e.broadcast(ctx, events)
}

// ReleaseWorkers tears down the workers of terminal sessions that still hold
// one. Busy sessions are skipped. It returns the number released.
func (e *Engine) ReleaseWorkers(ctx context.Context) (int, error) {
	states, err := e.store.ListStates(ctx, store.StateFilter{
		Status:     []schema.ExecutionStatus{schema.StatusCompleted, schema.StatusFailed},
		RemoteOnly: true,
	})
	if err != nil {
		return 0, storeError(err)
	}
	released := 0
	for _, s := range states {
		if s.Remote == nil || s.Remote.Released {
			continue
		}
		if e.sweepOne(ctx, s.ID, func(state *store.ExecutionState) bool {
			e.releaseWorker(ctx, state)
			return state.Remote != nil && state.Remote.Released
		}) {
			released++
		}
	}
	return released, nil
}

// FailStalePending fails remote sessions whose worker has not reported in
// within timeout, and releases their workers.
func (e *Engine) FailStalePending(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout)
	states, err := e.store.ListStates(ctx, store.StateFilter{
		Status:        []schema.ExecutionStatus{schema.StatusPending},
		RemoteOnly:    true,
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, storeError(err)
	}
	failed := 0
	for _, s := range states {
		if e.sweepOne(ctx, s.ID, func(state *store.ExecutionState) bool {
			if state.Status != schema.StatusPending {
				return false
			}
			cp := store.Checkpoint{State: state}
			e.fail(state, &cp, "remote worker did not start within "+timeout.String())
			if err := e.store.Checkpoint(ctx, cp); err != nil {
				logging.LogWith(ctx, e.logger).Warn("fail stale session", slog.String("session_id", state.ID), slog.String("error", err.Error()))
				return false
			}
			e.broadcast(ctx, cp.Events)
			e.releaseWorker(ctx, state)
			return true
		}) {
			failed++
		}
	}
	return failed, nil
}

// sweepOne runs fn on a freshly loaded session under its claim. Busy or
// unloadable sessions are skipped.
func (e *Engine) sweepOne(ctx context.Context, sessionID string, fn func(*store.ExecutionState) bool) bool {
	run, err := e.claim(sessionID)
	if err != nil {
		return false
	}
	defer e.release(sessionID, run)
	state, err := e.store.LoadState(ctx, sessionID)
	if err != nil {
		return false
	}
	return fn(state)
}
