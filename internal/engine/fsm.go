package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// TransitionHook is called after a session changed status.
type TransitionHook func(sessionID string, from, to schema.ExecutionStatus)

// ValidTransitions is the session lifecycle. running -> running is the
// re-entry taken when a crashed run is resumed.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending:   {schema.StatusRunning, schema.StatusCompleted, schema.StatusFailed},
	schema.StatusRunning:   {schema.StatusRunning, schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed},
	schema.StatusPaused:    {schema.StatusRunning, schema.StatusFailed},
	schema.StatusCompleted: {},
	schema.StatusFailed:    {},
}

// StatusFSM validates status changes on an ExecutionState and stamps its
// lifecycle timestamps. It does not persist anything.
type StatusFSM struct {
	mu    sync.RWMutex
	after map[schema.ExecutionStatus][]TransitionHook
	now   func() time.Time
}

func NewStatusFSM() *StatusFSM {
	return &StatusFSM{
		after: make(map[schema.ExecutionStatus][]TransitionHook),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// OnEnter registers a hook run after every transition into to.
func (f *StatusFSM) OnEnter(to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition moves state to the given status.
func (f *StatusFSM) Transition(state *store.ExecutionState, to schema.ExecutionStatus) error {
	from := state.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"session %s cannot move from %s to %s", state.ID, from, to).
			WithDetails(map[string]any{"session_id": state.ID, "from": string(from), "to": string(to)})
	}

	now := f.now()
	state.Status = to
	if to == schema.StatusRunning && state.StartedAt == nil {
		state.StartedAt = &now
	}
	if to.IsTerminal() {
		state.CompletedAt = &now
		state.PendingQuestion = nil
	}

	f.mu.RLock()
	hooks := f.after[to]
	f.mu.RUnlock()
	for _, h := range hooks {
		h(state.ID, from, to)
	}
	return nil
}

// CanTransition reports whether from -> to is part of the lifecycle.
func CanTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}
