package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(stepsTotal.WithLabelValues("code", "completed"))
	RecordStep("code", "completed", 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(stepsTotal.WithLabelValues("code", "completed")))
}

func TestRecordSessionAndDrops(t *testing.T) {
	before := testutil.ToFloat64(sessionsTotal.WithLabelValues("paused"))
	RecordSession("paused")
	assert.Equal(t, before+1, testutil.ToFloat64(sessionsTotal.WithLabelValues("paused")))

	dropsBefore := testutil.ToFloat64(broadcastDropped)
	RecordDropped()
	RecordDropped()
	assert.Equal(t, dropsBefore+2, testutil.ToFloat64(broadcastDropped))
}

func TestActiveRunsGauge(t *testing.T) {
	before := testutil.ToFloat64(activeRuns)
	RunStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(activeRuns))
	RunFinished()
	assert.Equal(t, before, testutil.ToFloat64(activeRuns))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordCircuitOpen("llm:test")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "opflow_circuit_open_total")
	assert.Contains(t, string(body), `key="llm:test"`)
}
