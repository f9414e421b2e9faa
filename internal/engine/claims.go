package engine

import (
	"context"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

// sessionRun is an in-flight claim on a session. Only the holder may write
// the session; done is closed when the claim is released.
type sessionRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// claim takes the session's claim or fails with CONFLICT if another run holds it.
func (e *Engine) claim(sessionID string) (*sessionRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, schema.NewError(schema.ErrCodeConflict, "engine is shutting down")
	}
	if _, busy := e.runs[sessionID]; busy {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "session %q is busy", sessionID)
	}
	return e.newRunLocked(sessionID), nil
}

// claimAfterCancel interrupts any in-flight run of the session, waits for it
// to release, then takes the claim.
func (e *Engine) claimAfterCancel(ctx context.Context, sessionID string) (*sessionRun, error) {
	return e.claimWait(ctx, sessionID, true)
}

// claimWhenIdle waits for any in-flight run of the session to release, then
// takes the claim. The run is left to finish.
func (e *Engine) claimWhenIdle(ctx context.Context, sessionID string) (*sessionRun, error) {
	return e.claimWait(ctx, sessionID, false)
}

func (e *Engine) claimWait(ctx context.Context, sessionID string, interrupt bool) (*sessionRun, error) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, schema.NewError(schema.ErrCodeConflict, "engine is shutting down")
		}
		current, busy := e.runs[sessionID]
		if !busy {
			r := e.newRunLocked(sessionID)
			e.mu.Unlock()
			return r, nil
		}
		e.mu.Unlock()

		if interrupt {
			current.cancel()
		}
		select {
		case <-current.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) newRunLocked(sessionID string) *sessionRun {
	ctx, cancel := context.WithCancel(logging.WithSessionID(e.baseCtx, sessionID))
	r := &sessionRun{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	e.runs[sessionID] = r
	return r
}

func (e *Engine) release(sessionID string, r *sessionRun) {
	e.mu.Lock()
	if e.runs[sessionID] == r {
		delete(e.runs, sessionID)
	}
	e.mu.Unlock()
	r.cancel()
	close(r.done)
}

// inFlight returns the current claim on a session, if any.
func (e *Engine) inFlight(sessionID string) (*sessionRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[sessionID]
	return r, ok
}
