// Package httpapi exposes the engine over HTTP: session control, the event
// stream, the remote-worker bridge and the metrics endpoint.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
)

// Sessions is the engine surface served over HTTP.
type Sessions interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*store.ExecutionState, error)
	Resume(ctx context.Context, sessionID string, opts ...engine.ResumeOption) (*store.ExecutionState, error)
	Cancel(ctx context.Context, sessionID string) (*store.ExecutionState, error)
	GetState(ctx context.Context, sessionID string) (*store.ExecutionState, error)
}

// EventLog is the durable event history used to replay a stream.
type EventLog interface {
	ListEvents(ctx context.Context, sessionID string, since int64) ([]*store.Event, error)
}

// Bridge receives remote worker callbacks.
type Bridge interface {
	OnStarted(ctx context.Context, sessionID, token string) error
	OnCompleted(ctx context.Context, sessionID, token string, data map[string]any) error
}

// Deps holds the collaborators of the server. Bridge and Catalog are optional.
type Deps struct {
	Sessions Sessions
	Events   EventLog
	Hub      streaming.EventHub
	Bridge   Bridge
	Catalog  catalog.Lister
	Logger   *slog.Logger
	// BridgeRate limits bridge callbacks per second across all workers.
	// Zero disables the limit.
	BridgeRate  float64
	BridgeBurst int
}

type Server struct {
	deps    Deps
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: logging.OrDiscard(deps.Logger)}
	if deps.BridgeRate > 0 {
		burst := deps.BridgeBurst
		if burst <= 0 {
			burst = int(deps.BridgeRate) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(deps.BridgeRate), burst)
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)

	mux.HandleFunc("POST /v1/sessions", s.handleExecute)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetState)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/sessions/{id}/log", s.handleEventLog)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSSE)

	mux.HandleFunc("POST /v1/bridge/sessions/{id}/started", s.limited(s.handleBridgeStarted))
	mux.HandleFunc("POST /v1/bridge/sessions/{id}/completed", s.limited(s.handleBridgeCompleted))

	return mux
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
