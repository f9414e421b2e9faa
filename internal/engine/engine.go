// Package engine advances workflow sessions: it dispatches steps, persists
// every transition and publishes the resulting events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/llm"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/remote"
	"github.com/rendis/opflow/internal/sandbox"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/pkg/schema"
)

// TokenIssuer mints the credential a remote worker presents to the bridge.
type TokenIssuer interface {
	Issue(sessionID string) (string, error)
}

// Deps are the collaborators of an Engine. Store and Catalog are required.
type Deps struct {
	Store       store.Store
	Catalog     catalog.Catalog
	Hub         streaming.EventHub
	Sandbox     sandbox.Sandbox
	LLM         llm.Client
	Expressions *expressions.Set
	Remote      remote.Client
	Tokens      TokenIssuer
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Config holds the engine limits.
type Config struct {
	PoolSize       int
	MaxStepsPerRun int
	MaxNestedDepth int
	// CallbackURL is the bridge base URL handed to remote workers.
	CallbackURL    string
	CircuitBreaker CircuitBreakerConfig
}

// ExecuteRequest starts a session. An empty SessionID is generated.
type ExecuteRequest struct {
	WorkflowID string         `json:"workflowId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

// Engine runs sessions. It is safe for concurrent use.
type Engine struct {
	store      store.Store
	catalog    catalog.Catalog
	hub        streaming.EventHub
	remote     remote.Client
	tokens     TokenIssuer
	tracer     trace.Tracer
	logger     *slog.Logger
	dispatcher *Dispatcher
	fsm        *StatusFSM
	pool       *WorkerPool
	cfg        Config

	mu      sync.Mutex
	runs    map[string]*sessionRun
	early   map[string]*workerReport
	closed  bool
	baseCtx context.Context
	stop    context.CancelFunc
}

func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("engine: catalog is required")
	}
	if deps.Expressions == nil {
		set, err := expressions.NewSet()
		if err != nil {
			return nil, fmt.Errorf("engine: expression engines: %w", err)
		}
		deps.Expressions = set
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Noop()
	}
	if cfg.MaxStepsPerRun <= 0 {
		cfg.MaxStepsPerRun = DefaultMaxStepsPerRun
	}
	if cfg.MaxNestedDepth <= 0 {
		cfg.MaxNestedDepth = DefaultMaxNestedDepth
	}
	if cfg.CircuitBreaker == (CircuitBreakerConfig{}) {
		cfg.CircuitBreaker = DefaultCircuitBreakerConfig()
	}
	logger := logging.OrDiscard(deps.Logger)

	baseCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:   deps.Store,
		catalog: deps.Catalog,
		hub:     deps.Hub,
		remote:  deps.Remote,
		tokens:  deps.Tokens,
		tracer:  deps.Tracer,
		logger:  logger,
		dispatcher: NewDispatcher(DispatcherConfig{
			Sandbox:        deps.Sandbox,
			LLM:            deps.LLM,
			Expressions:    deps.Expressions,
			Catalog:        deps.Catalog,
			Breakers:       NewCircuitBreakerRegistry(cfg.CircuitBreaker),
			Tracer:         deps.Tracer,
			Logger:         logger,
			MaxNestedDepth: cfg.MaxNestedDepth,
			MaxSteps:       cfg.MaxStepsPerRun,
		}),
		fsm:     NewStatusFSM(),
		pool:    NewWorkerPool(cfg.PoolSize, logger),
		cfg:     cfg,
		runs:    make(map[string]*sessionRun),
		early:   make(map[string]*workerReport),
		baseCtx: baseCtx,
		stop:    stop,
	}
	for _, st := range []schema.ExecutionStatus{schema.StatusRunning, schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed} {
		e.fsm.OnEnter(st, func(_ string, from, to schema.ExecutionStatus) {
			if from != to {
				metrics.RecordSession(string(to))
			}
		})
	}
	return e, nil
}

// Execute creates a session and schedules it. Local sessions are advanced
// on the worker pool; remote ones get a provisioned worker and stay pending
// until the worker reports in. The returned state is the initial snapshot.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*store.ExecutionState, error) {
	def, err := e.catalog.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		if schema.CodeOf(err) == "" {
			err = schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", req.WorkflowID).WithCause(err)
		}
		return nil, err
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	run, err := e.claim(sessionID)
	if err != nil {
		return nil, err
	}
	state := &store.ExecutionState{
		ID:          sessionID,
		WorkflowID:  def.ID,
		Status:      schema.StatusPending,
		CurrentNode: def.Start,
		Context:     expressions.DeepCopyMap(req.Input),
	}
	if state.Context == nil {
		state.Context = map[string]any{}
	}
	if err := e.store.CreateState(ctx, state); err != nil {
		e.release(sessionID, run)
		return nil, storeError(err)
	}
	metrics.RecordSession(string(schema.StatusPending))
	logging.LogWith(run.ctx, e.logger).Info("session created",
		slog.String("workflow_id", def.ID), slog.Bool("remote", def.IsRemote()))

	if def.IsRemote() {
		defer e.release(sessionID, run)
		return e.provision(ctx, run.ctx, state, def)
	}

	snapshot := state.Clone()
	if err := e.schedule(sessionID, run, func(ctx context.Context) { e.start(ctx, state, def) }); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// schedule queues fn on the worker pool under run's claim and returns
// without waiting for a slot. The claim is released when fn returns or the
// queued work is dropped. Cancel drops queued work by cancelling run; the
// session is then left as persisted for Cancel or Resume to pick up.
func (e *Engine) schedule(sessionID string, run *sessionRun, fn func(ctx context.Context)) error {
	err := e.pool.Enqueue(run.ctx, func(ctx context.Context) {
		defer e.release(sessionID, run)
		fn(ctx)
	}, func(err error) {
		logging.LogWith(run.ctx, e.logger).Warn("queued run dropped", slog.String("reason", err.Error()))
		e.release(sessionID, run)
	})
	if err != nil {
		e.release(sessionID, run)
		return schema.NewError(schema.ErrCodeExecution, "session could not be scheduled").WithCause(err)
	}
	return nil
}

// start moves a pending local session to running and advances it.
func (e *Engine) start(ctx context.Context, state *store.ExecutionState, def *schema.WorkflowDefinition) {
	if err := e.fsm.Transition(state, schema.StatusRunning); err != nil {
		logging.LogWith(ctx, e.logger).Error("start session", slog.String("error", err.Error()))
		return
	}
	events := []*store.Event{
		newEvent(schema.EventSessionCreated, "", map[string]any{"workflowId": def.ID}),
		newEvent(schema.EventExecutionStarted, "", map[string]any{"node": state.CurrentNode}),
	}
	if err := e.store.Checkpoint(ctx, store.Checkpoint{State: state, Events: events}); err != nil {
		logging.LogWith(ctx, e.logger).Error("persist session start", slog.String("error", err.Error()))
		return
	}
	e.broadcast(ctx, events)
	e.advance(ctx, state, def)
}

// ResumeOption configures Resume.
type ResumeOption func(*resumeOptions)

type resumeOptions struct {
	answer    any
	hasAnswer bool
}

// WithAnswer supplies the answer to the pending question.
func WithAnswer(v any) ResumeOption {
	return func(o *resumeOptions) {
		o.answer = v
		o.hasAnswer = true
	}
}

// Resume continues a paused session, or re-enters a running session whose
// previous run is gone, from its current node.
func (e *Engine) Resume(ctx context.Context, sessionID string, opts ...ResumeOption) (*store.ExecutionState, error) {
	var o resumeOptions
	for _, opt := range opts {
		opt(&o)
	}

	run, err := e.claim(sessionID)
	if err != nil {
		return nil, err
	}
	scheduled := false
	defer func() {
		if !scheduled {
			e.release(sessionID, run)
		}
	}()

	state, err := e.store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, storeError(err)
	}
	if state.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "cannot resume session in status %s", state.Status)
	}
	if state.Remote != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "session %q is delegated to a remote worker", sessionID)
	}
	def, err := e.catalog.GetWorkflow(ctx, state.WorkflowID)
	if err != nil {
		return nil, err
	}

	if state.Status == schema.StatusPending {
		snapshot := state.Clone()
		scheduled = true
		if err := e.schedule(sessionID, run, func(ctx context.Context) { e.start(ctx, state, def) }); err != nil {
			return nil, err
		}
		return snapshot, nil
	}

	payload := map[string]any{"node": state.CurrentNode}
	if pq := state.PendingQuestion; pq != nil {
		if !o.hasAnswer {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "session %q is waiting for an answer to %q", sessionID, pq.StepID)
		}
		answer, err := checkAnswer(pq, o.answer)
		if err != nil {
			return nil, err
		}
		state.Context[pq.Variable] = answer
		payload["variable"] = pq.Variable
		payload["stepId"] = pq.StepID
		state.PendingQuestion = nil
	}
	if state.Status == schema.StatusRunning {
		payload["recovered"] = true
	}
	if err := e.fsm.Transition(state, schema.StatusRunning); err != nil {
		return nil, err
	}
	events := []*store.Event{newEvent(schema.EventWorkflowResumed, "", payload)}
	if err := e.store.Checkpoint(ctx, store.Checkpoint{State: state, Events: events}); err != nil {
		return nil, storeError(err)
	}
	e.broadcast(ctx, events)

	snapshot := state.Clone()
	scheduled = true
	if err := e.schedule(sessionID, run, func(ctx context.Context) { e.advance(ctx, state, def) }); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// checkAnswer validates an answer against the question's options. An
// answer may name an option by id or label; the id is stored.
func checkAnswer(pq *store.PendingQuestion, answer any) (any, error) {
	if answer == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "answer to %q is empty", pq.StepID)
	}
	if len(pq.Options) == 0 {
		return answer, nil
	}
	s, ok := answer.(string)
	if ok {
		for _, opt := range pq.Options {
			if s == opt.ID || (opt.Label != "" && s == opt.Label) {
				return opt.ID, nil
			}
		}
	}
	allowed := make([]string, 0, len(pq.Options))
	for _, opt := range pq.Options {
		allowed = append(allowed, opt.ID)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation,
		"answer %v is not one of %v", answer, allowed).WithStep(pq.StepID)
}

// Cancel fails a non-terminal session. An in-flight run is interrupted at
// its next step boundary first.
func (e *Engine) Cancel(ctx context.Context, sessionID string) (*store.ExecutionState, error) {
	run, err := e.claimAfterCancel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer e.release(sessionID, run)

	state, err := e.store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, storeError(err)
	}
	if state.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"session %q is already %s", sessionID, state.Status)
	}

	from := state.Status
	if err := e.fsm.Transition(state, schema.StatusFailed); err != nil {
		return nil, err
	}
	state.LastError = schema.CancelledMarker
	events := []*store.Event{newEvent(schema.EventWorkflowCancelled, "", map[string]any{"from": string(from)})}
	if err := e.store.Checkpoint(ctx, store.Checkpoint{State: state, Events: events}); err != nil {
		return nil, storeError(err)
	}
	e.broadcast(ctx, events)
	logging.LogWith(run.ctx, e.logger).Info("session cancelled", slog.String("from", string(from)))

	e.releaseWorker(ctx, state)
	return state.Clone(), nil
}

// GetState returns the persisted session, or nil when it does not exist.
func (e *Engine) GetState(ctx context.Context, sessionID string) (*store.ExecutionState, error) {
	state, err := e.store.LoadState(ctx, sessionID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return state, nil
}

// Await blocks until the session has no in-flight run and returns its state.
func (e *Engine) Await(ctx context.Context, sessionID string) (*store.ExecutionState, error) {
	for {
		r, ok := e.inFlight(sessionID)
		if !ok {
			break
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	state, err := e.GetState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %q not found", sessionID)
	}
	return state, nil
}

// Shutdown stops accepting work and interrupts in-flight runs at their next
// step boundary. Interrupted sessions stay running and can be resumed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.pool.Close()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PoolMetrics exposes the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

func (e *Engine) broadcast(ctx context.Context, events []*store.Event) {
	if e.hub == nil {
		return
	}
	for _, ev := range events {
		var payload any
		if len(ev.Payload) > 0 {
			payload = json.RawMessage(ev.Payload)
		}
		err := e.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
			SessionID: ev.SessionID,
			StepID:    ev.StepID,
			EventType: ev.Type,
			Sequence:  ev.Sequence,
			Payload:   payload,
			Timestamp: ev.Timestamp,
		})
		if err != nil {
			logging.LogWith(ctx, e.logger).Warn("broadcast failed", slog.String("event", ev.Type), slog.String("error", err.Error()))
		}
	}
}

func newEvent(eventType, stepID string, payload map[string]any) *store.Event {
	ev := &store.Event{Type: eventType, StepID: stepID, Timestamp: time.Now().UTC()}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// storeError tags persistence failures that carry no code as STORE_ERROR.
func storeError(err error) error {
	if err == nil || schema.CodeOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
}
