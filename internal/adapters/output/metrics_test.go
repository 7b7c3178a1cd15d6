package output

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/eveguard/internal/domain"
	"github.com/xoelrdgz/eveguard/internal/ports"
)

var (
	_ ports.IngestObserver   = (*PrometheusMetrics)(nil)
	_ ports.ResponseObserver = (*PrometheusMetrics)(nil)
)

func TestPrometheusMetricsCounters(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.IncrementLinesProcessedByResult("alert")
	m.IncrementLinesProcessedByResult("alert")
	m.IncrementLinesProcessedByResult("malformed")
	m.ObserveRotation()
	m.ObservePass(20*time.Millisecond, false)
	m.ObservePass(5*time.Second, true)
	m.IncrementOutcome(domain.OutcomeBlocked)
	m.IncrementOutcome(domain.OutcomeSkipped)
	m.IncrementOutcome(domain.OutcomeSkipped)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.linesProcessed.WithLabelValues("alert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linesProcessed.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rotations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.passes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("skipped")))
}

func TestPrometheusMetricsInstancesAreIndependent(t *testing.T) {
	a := NewPrometheusMetrics("test")
	b := NewPrometheusMetrics("test")
	a.ObserveRotation()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.rotations))
}

func TestPrometheusMetricsHandler(t *testing.T) {
	m := NewPrometheusMetrics("eveguard")
	m.GaugeFunc("blocked_addresses", "Addresses blocked by this process", func() float64 { return 3 })
	m.IncrementOutcome(domain.OutcomeBlocked)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "eveguard_blocked_addresses 3")
	assert.Contains(t, string(body), `eveguard_verdict_outcomes_total{kind="blocked"} 1`)
	assert.Contains(t, string(body), "eveguard_memory_bytes")
}
