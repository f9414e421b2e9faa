package schema

// Event type constants for the session event log and live stream.
const (
	EventSessionCreated    = "session_created"
	EventExecutionStarted  = "execution_started"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowResumed   = "workflow_resumed"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepIgnored   = "step_ignored"
	EventStepRouted    = "step_routed"

	EventWorkerProvisioned = "worker_provisioned"
	EventWorkerReleased    = "worker_released"
)

// ExecutionStatus is the lifecycle state of a session.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the outcome of a single step invocation.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// CancelledMarker is the lastError value written by a cancellation.
const CancelledMarker = "cancelled"
