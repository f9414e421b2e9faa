package streaming

import (
	"context"
	"time"
)

// StreamEvent is a live event emitted while a session advances.
type StreamEvent struct {
	SessionID string    `json:"session_id"`
	StepID    string    `json:"step_id,omitempty"`
	EventType string    `json:"event_type"`
	Sequence  int64     `json:"sequence"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// An empty SessionID subscribes to every session.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides fire-and-forget pub/sub for session events.
// Publish never blocks on subscribers and never queues events for absent ones.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
