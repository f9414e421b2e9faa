// Package remote provisions and tears down external workers that run a
// whole session out of process and report back through the bridge.
package remote

import (
	"context"
	"time"
)

// ProvisionRequest describes the session a worker is started for.
type ProvisionRequest struct {
	SessionID  string         `json:"sessionId"`
	WorkflowID string         `json:"workflowId"`
	Input      map[string]any `json:"input,omitempty"`
	// Token authenticates the worker's bridge callbacks.
	Token string `json:"token"`
	// CallbackURL is the bridge base URL the worker reports to.
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// WorkerHandle identifies a provisioned worker.
type WorkerHandle struct {
	ServiceID    string    `json:"serviceId"`
	DeploymentID string    `json:"deploymentId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Client manages remote workers.
type Client interface {
	Provision(ctx context.Context, req ProvisionRequest) (WorkerHandle, error)
	// Teardown releases a worker. Releasing an unknown worker is not an error.
	Teardown(ctx context.Context, h WorkerHandle) error
}
