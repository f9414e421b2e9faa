package bridge

import (
	"context"
	"log/slog"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

// Sessions is the part of the engine the bridge drives.
type Sessions interface {
	MarkRemoteStarted(ctx context.Context, sessionID string) error
	CompleteRemote(ctx context.Context, sessionID string, data map[string]any) error
}

// Verifier checks a bridge token for a session.
type Verifier interface {
	Verify(token, sessionID string) error
}

// Bridge applies remote worker callbacks. Tokens are checked before the
// session is touched, so an unauthenticated caller learns nothing about
// which sessions exist.
type Bridge struct {
	sessions Sessions
	verifier Verifier
	logger   *slog.Logger
}

func New(sessions Sessions, verifier Verifier, logger *slog.Logger) *Bridge {
	return &Bridge{sessions: sessions, verifier: verifier, logger: logging.OrDiscard(logger)}
}

// OnStarted records that the worker began running the session. Replays
// against a running or finished session succeed without effect.
func (b *Bridge) OnStarted(ctx context.Context, sessionID, token string) error {
	if err := b.authorize(ctx, sessionID, token); err != nil {
		return err
	}
	return b.sessions.MarkRemoteStarted(ctx, sessionID)
}

// OnCompleted folds the worker's final data into the session and completes
// it. Replays against a finished session succeed without effect.
func (b *Bridge) OnCompleted(ctx context.Context, sessionID, token string, data map[string]any) error {
	if err := b.authorize(ctx, sessionID, token); err != nil {
		return err
	}
	return b.sessions.CompleteRemote(ctx, sessionID, data)
}

func (b *Bridge) authorize(ctx context.Context, sessionID, token string) error {
	if sessionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "session id is required")
	}
	if err := b.verifier.Verify(token, sessionID); err != nil {
		logging.LogWith(logging.WithSessionID(ctx, sessionID), b.logger).
			Warn("bridge token rejected", slog.String("error", err.Error()))
		return schema.NewError(schema.ErrCodeUnauthorized, "invalid bridge token").WithCause(err)
	}
	return nil
}
