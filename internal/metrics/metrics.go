// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// stepsTotal counts dispatched steps by kind and outcome.
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opflow_steps_total",
			Help: "Steps dispatched, by step type and status",
		},
		[]string{"step_type", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opflow_step_duration_seconds",
			Help:    "Wall time of step dispatch including retries",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"step_type"},
	)

	// sessionsTotal counts session status transitions by target status.
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opflow_sessions_total",
			Help: "Session transitions, by resulting status",
		},
		[]string{"status"},
	)

	broadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opflow_broadcast_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	circuitOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opflow_circuit_open_total",
			Help: "Circuit breaker openings, by collaborator key",
		},
		[]string{"key"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opflow_active_runs",
			Help: "Advance loops currently executing",
		},
	)
)

// RecordStep records one dispatched step.
func RecordStep(stepType, status string, d time.Duration) {
	stepsTotal.WithLabelValues(stepType, status).Inc()
	stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// RecordSession records a session reaching status.
func RecordSession(status string) {
	sessionsTotal.WithLabelValues(status).Inc()
}

// RecordDropped records one event dropped by the broadcaster.
func RecordDropped() {
	broadcastDropped.Inc()
}

// RecordCircuitOpen records a breaker opening for key.
func RecordCircuitOpen(key string) {
	circuitOpened.WithLabelValues(key).Inc()
}

// RunStarted and RunFinished track the active advance loops gauge.
func RunStarted()  { activeRuns.Inc() }
func RunFinished() { activeRuns.Dec() }

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
