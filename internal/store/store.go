package store

import (
	"context"

	"github.com/rendis/opflow/pkg/schema"
)

// Store is the persistence contract of the engine.
// All implementations must be safe for concurrent use.
//
// Writes are guarded by ExecutionState.Version: a write whose version does not
// match the stored one fails with CONFLICT, and a successful write increments
// the version on the passed state.
type Store interface {
	// CreateState inserts a new session at version 1. A terminal session with
	// the same id is replaced together with its history and events. A
	// non-terminal one, or one still holding a remote worker, yields CONFLICT.
	CreateState(ctx context.Context, state *ExecutionState) error
	// LoadState returns the session with its full history, or NOT_FOUND.
	LoadState(ctx context.Context, id string) (*ExecutionState, error)
	SaveState(ctx context.Context, state *ExecutionState) error
	// AppendHistory stores result at position index of the session's history.
	// Positions are dense and write-once.
	AppendHistory(ctx context.Context, sessionID string, index int, result *schema.StepResult) error
	// Checkpoint writes state, history entry and events in one transaction.
	Checkpoint(ctx context.Context, cp Checkpoint) error
	// ListStates returns matching sessions without their history.
	ListStates(ctx context.Context, filter StateFilter) ([]*ExecutionState, error)

	// ListEvents returns the session's events with a sequence greater than since.
	ListEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error)

	Migrate(ctx context.Context) error
	Close() error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func versionConflict(id string, want int64) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "session %q was modified concurrently (expected version %d)", id, want)
}
