package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// MemoryStore is an in-process Store. It honours the same version and
// history-position rules as SQLStore and is used by tests and by `opflow run`.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*ExecutionState
	events   map[string][]*Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*ExecutionState),
		events:   make(map[string][]*Event),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateState(ctx context.Context, state *ExecutionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[state.ID]; ok {
		if err := checkReplace(existing); err != nil {
			return err
		}
		delete(m.events, state.ID)
	}
	now := nowUTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	state.Version = 1
	m.sessions[state.ID] = state.Clone()
	return nil
}

func (m *MemoryStore) LoadState(ctx context.Context, id string) (*ExecutionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.sessions[id]
	if !ok {
		return nil, storeNotFound("session", id)
	}
	return st.Clone(), nil
}

func (m *MemoryStore) SaveState(ctx context.Context, state *ExecutionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.checkVersion(state)
	if err != nil {
		return err
	}
	m.put(state, stored.History)
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, sessionID string, index int, result *schema.StepResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return storeNotFound("session", sessionID)
	}
	if err := checkPosition(sessionID, len(st.History), index); err != nil {
		return err
	}
	st.History = append(st.History, cloneResult(result))
	return nil
}

func (m *MemoryStore) Checkpoint(ctx context.Context, cp Checkpoint) error {
	if cp.State == nil {
		return schema.NewError(schema.ErrCodeStore, "checkpoint without state")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.checkVersion(cp.State)
	if err != nil {
		return err
	}
	history := stored.History
	if cp.Result != nil {
		if err := checkPosition(cp.State.ID, len(history), cp.State.CurrentBatchIndex-1); err != nil {
			return err
		}
		history = append(history, cloneResult(cp.Result))
	}

	seq := int64(len(m.events[cp.State.ID]))
	for _, e := range cp.Events {
		seq++
		prepareEvent(e, cp.State.ID, seq)
		ev := *e
		m.events[e.SessionID] = append(m.events[e.SessionID], &ev)
	}
	m.put(cp.State, history)
	return nil
}

func (m *MemoryStore) ListStates(ctx context.Context, filter StateFilter) ([]*ExecutionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ExecutionState
	for _, st := range m.sessions {
		if !filter.matches(st) {
			continue
		}
		c := st.Clone()
		c.History = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[sessionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// checkVersion must be called with mu held.
func (m *MemoryStore) checkVersion(state *ExecutionState) (*ExecutionState, error) {
	stored, ok := m.sessions[state.ID]
	if !ok {
		return nil, storeNotFound("session", state.ID)
	}
	if stored.Version != state.Version {
		return nil, versionConflict(state.ID, state.Version)
	}
	return stored, nil
}

// put must be called with mu held. The stored history is authoritative; the
// caller's copy is ignored so history can only grow through positions.
func (m *MemoryStore) put(state *ExecutionState, history []*schema.StepResult) {
	state.UpdatedAt = nowUTC()
	state.Version++
	c := state.Clone()
	c.History = history
	m.sessions[state.ID] = c
}

func checkPosition(sessionID string, count, index int) error {
	if index != count {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"history of %q has %d entries, cannot write position %d", sessionID, count, index)
	}
	return nil
}

func cloneResult(r *schema.StepResult) *schema.StepResult {
	b, err := json.Marshal(r)
	if err != nil {
		c := *r
		return &c
	}
	var out schema.StepResult
	if err := json.Unmarshal(b, &out); err != nil {
		c := *r
		return &c
	}
	return &out
}
