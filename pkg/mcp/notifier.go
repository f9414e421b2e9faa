package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// notifyEvents are the outcomes pushed to clients.
var notifyEvents = []string{
	schema.EventWorkflowPaused,
	schema.EventWorkflowCompleted,
	schema.EventWorkflowFailed,
	schema.EventWorkflowCancelled,
}

// Sender delivers a notification to one MCP client.
type Sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier forwards session outcomes from the event hub to the client that
// owns the session. Delivery is best effort.
type Notifier struct {
	sender  Sender
	clients *SessionRegistry
	logger  *slog.Logger
}

func NewNotifier(sender Sender, clients *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, clients: clients, logger: logger}
}

// Run subscribes to hub and forwards events until ctx is done.
func (n *Notifier) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: notifyEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			n.Notify(evt)
		}
	}
}

// Notify pushes one event. Terminal outcomes end the mapping.
func (n *Notifier) Notify(evt streaming.StreamEvent) {
	clientID, ok := n.clients.ClientFor(evt.SessionID)
	if !ok {
		return
	}
	if evt.EventType != schema.EventWorkflowPaused {
		n.clients.Forget(evt.SessionID)
	}

	err := n.sender.SendNotificationToSpecificClient(clientID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "opflow",
		"data": map[string]any{
			"sessionId": evt.SessionID,
			"event":     evt.EventType,
			"sequence":  evt.Sequence,
			"payload":   evt.Payload,
		},
	})
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		n.clients.RemoveClient(clientID)
	case err != nil && n.logger != nil:
		n.logger.Warn("mcp notification failed",
			slog.String("session_id", evt.SessionID),
			slog.String("error", err.Error()),
		)
	}
}
