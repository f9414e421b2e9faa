package engine

import (
	"sync"
	"time"

	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/pkg/schema"
)

// CircuitState is the state of one breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures every breaker of a registry.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Zero disables breaking.
	FailureThreshold int
	Cooldown         time.Duration
	// HalfOpenMax is the number of probe calls let through after the cooldown.
	HalfOpenMax int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// CircuitBreakerRegistry keeps one breaker per dependency key, such as
// "llm:gpt-4o" or "sandbox:lua".
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns CIRCUIT_OPEN when calls to key are currently rejected.
func (r *CircuitBreakerRegistry) Allow(key string) error {
	if r == nil || r.config.FailureThreshold <= 0 {
		return nil
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(b.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s is unavailable after %d consecutive failures", key, b.failures).
				WithDetails(map[string]any{"key": key, "retry_in": remaining.String()})
		}
		b.state = CircuitHalfOpen
		b.probes = 1
	case CircuitHalfOpen:
		if b.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s is being probed", key)
		}
		b.probes++
	}
	return nil
}

// Success closes the breaker for key.
func (r *CircuitBreakerRegistry) Success(key string) {
	if r == nil || r.config.FailureThreshold <= 0 {
		return
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
	b.probes = 0
}

// Failure counts a failed call and returns the resulting state.
func (r *CircuitBreakerRegistry) Failure(key string) CircuitState {
	if r == nil || r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == CircuitHalfOpen || (b.state == CircuitClosed && b.failures >= r.config.FailureThreshold) {
		b.state = CircuitOpen
		b.openedAt = r.now()
		metrics.RecordCircuitOpen(key)
	}
	return b.state
}

// State returns the current state of key's breaker.
func (r *CircuitBreakerRegistry) State(key string) CircuitState {
	if r == nil {
		return CircuitClosed
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (r *CircuitBreakerRegistry) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}
