package schema

import (
	"errors"
	"time"
)

// Control is an explicit flow signal carried by a StepResult.
type Control string

const (
	ControlNone     Control = ""
	ControlBreak    Control = "break"
	ControlContinue Control = "continue"
	// ControlAwait marks a result that suspends the session until an answer arrives.
	ControlAwait Control = "await"
)

// StepResult is the immutable outcome of one step invocation.
type StepResult struct {
	StepID    string         `json:"stepId"`
	StepType  StepType       `json:"stepType,omitempty"`
	Status    StepStatus     `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Control   Control        `json:"control,omitempty"`
	Branch    string         `json:"branch,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
}

// Failed reports whether the step failed.
func (r *StepResult) Failed() bool {
	return r.Status == StepStatusFailed
}

// CompletedResult builds a completed result.
func CompletedResult(stepID string, output map[string]any) *StepResult {
	return &StepResult{StepID: stepID, Status: StepStatusCompleted, Output: output}
}

// FailedResult builds a failed result from err, keeping the error code when err is a FlowError.
func FailedResult(stepID string, err error) *StepResult {
	r := &StepResult{StepID: stepID, Status: StepStatusFailed}
	if err == nil {
		r.Error = "unknown error"
		return r
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		r.ErrorCode = fe.Code
		r.Error = fe.Message
		if fe.StepID != "" && fe.StepID != stepID {
			r.Error = fe.Error()
		}
		return r
	}
	r.ErrorCode = ErrCodeExecution
	r.Error = err.Error()
	return r
}

// Err returns the failure as a FlowError, or nil if the step completed.
func (r *StepResult) Err() error {
	if !r.Failed() {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = ErrCodeStepFailed
	}
	return NewError(code, r.Error).WithStep(r.StepID)
}
