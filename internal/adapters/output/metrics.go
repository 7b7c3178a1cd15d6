package output

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

// PrometheusMetrics implements ports.IngestObserver and ports.ResponseObserver.
type PrometheusMetrics struct {
	linesProcessed *prometheus.CounterVec
	rotations      prometheus.Counter
	passes         prometheus.Counter
	passFailures   prometheus.Counter
	passDuration   prometheus.Histogram
	outcomes       *prometheus.CounterVec
	memoryUsage    prometheus.GaugeFunc

	namespace string
	factory   promauto.Factory
	gatherer  prometheus.Gatherer
}

// NewPrometheusMetrics registers the collectors on a private registry so that
// tests and multiple instances never collide.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return NewPrometheusMetricsWith(namespace, reg, reg)
}

func NewPrometheusMetricsWith(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *PrometheusMetrics {
	if namespace == "" {
		namespace = "eveguard"
	}

	factory := promauto.With(reg)
	m := &PrometheusMetrics{namespace: namespace, factory: factory, gatherer: gatherer}

	m.linesProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lines_processed_total",
		Help:      "Total eve.json lines consumed by result",
	}, []string{"result"})

	m.rotations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "file_rotations_total",
		Help:      "Times the followed file was replaced or truncated",
	})

	m.passes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "passes_total",
		Help:      "Evaluation passes completed",
	})

	m.passFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pass_failures_total",
		Help:      "Evaluation passes that ended on a transport error",
	})

	m.passDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pass_duration_seconds",
		Help:      "Time spent in one evaluation pass",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	m.outcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verdict_outcomes_total",
		Help:      "Verdicts handled by outcome",
	}, []string{"kind"})

	m.memoryUsage = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_bytes",
		Help:      "Current memory usage in bytes",
	}, func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.Alloc)
	})

	return m
}

func (m *PrometheusMetrics) IncrementLinesProcessedByResult(result string) {
	m.linesProcessed.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) ObserveRotation() {
	m.rotations.Inc()
}

func (m *PrometheusMetrics) ObservePass(duration time.Duration, failed bool) {
	m.passes.Inc()
	if failed {
		m.passFailures.Inc()
	}
	m.passDuration.Observe(duration.Seconds())
}

func (m *PrometheusMetrics) IncrementOutcome(kind domain.OutcomeKind) {
	m.outcomes.WithLabelValues(string(kind)).Inc()
}

// GaugeFunc registers a gauge backed by fn, e.g. the blocked set size.
func (m *PrometheusMetrics) GaugeFunc(name, help string, fn func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
