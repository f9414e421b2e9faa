package store

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// ExecutionState is the persisted record of one session.
// Only the engine mutates it; handlers never see it.
type ExecutionState struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflowId"`
	Status            schema.ExecutionStatus `json:"status"`
	CurrentNode       string                 `json:"currentNode"`
	CurrentBatchIndex int                    `json:"currentBatchIndex"`
	Context           map[string]any         `json:"context"`
	History           []*schema.StepResult   `json:"history"`
	LastError         string                 `json:"lastError,omitempty"`
	PendingQuestion   *PendingQuestion       `json:"pendingQuestion,omitempty"`
	Remote            *RemoteLink            `json:"remote,omitempty"`
	Version           int64                  `json:"version"`
	CreatedAt         time.Time              `json:"createdAt"`
	StartedAt         *time.Time             `json:"startedAt,omitempty"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// PendingQuestion is the question a paused session is waiting on.
type PendingQuestion struct {
	StepID   string                  `json:"stepId"`
	Prompt   string                  `json:"prompt"`
	Variable string                  `json:"variable"`
	Options  []schema.QuestionOption `json:"options,omitempty"`
	AskedAt  time.Time               `json:"askedAt"`
}

// RemoteLink ties a session to a provisioned remote worker.
type RemoteLink struct {
	ServiceID     string     `json:"serviceId"`
	DeploymentID  string     `json:"deploymentId"`
	Released      bool       `json:"released"`
	ProvisionedAt time.Time  `json:"provisionedAt"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
}

// HoldsWorker reports whether the session still owns a remote worker that
// has not been torn down.
func (s *ExecutionState) HoldsWorker() bool {
	return s.Remote != nil && !s.Remote.Released
}

// checkReplace decides whether a new session may take over existing's id.
func checkReplace(existing *ExecutionState) error {
	if !existing.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "session %q is already %s", existing.ID, existing.Status)
	}
	if existing.HoldsWorker() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"session %q still holds remote worker %s", existing.ID, existing.Remote.DeploymentID)
	}
	return nil
}

// Clone returns a copy that shares no mutable containers with s.
// History entries are shared because StepResults are immutable.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Context = cloneMap(s.Context)
	c.History = append([]*schema.StepResult(nil), s.History...)
	if s.PendingQuestion != nil {
		pq := *s.PendingQuestion
		c.PendingQuestion = &pq
	}
	if s.Remote != nil {
		r := *s.Remote
		c.Remote = &r
	}
	return &c
}

// cloneMap deep-copies through a JSON round trip so that values loaded from
// any store have the same shape as values kept in memory.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return maps.Clone(m)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return maps.Clone(m)
	}
	return out
}

// Event is an entry of the durable per-session event log.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	StepID    string          `json:"stepId,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Checkpoint is one atomic write: the new state, optionally one history entry
// appended at index State.CurrentBatchIndex-1, and the events describing it.
// Event sequences are assigned by the store.
type Checkpoint struct {
	State  *ExecutionState
	Result *schema.StepResult
	Events []*Event
}

// StateFilter selects sessions for ListStates.
type StateFilter struct {
	Status     []schema.ExecutionStatus
	WorkflowID string
	RemoteOnly bool
	// UpdatedBefore selects sessions not written since the given time.
	UpdatedBefore *time.Time
	Limit         int
}

func (f StateFilter) matches(s *ExecutionState) bool {
	if len(f.Status) > 0 {
		found := false
		for _, st := range f.Status {
			if st == s.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.WorkflowID != "" && f.WorkflowID != s.WorkflowID {
		return false
	}
	if f.RemoteOnly && s.Remote == nil {
		return false
	}
	if f.UpdatedBefore != nil && !s.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}
