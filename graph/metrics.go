package graph

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMetricsNamespace prefixes every metric name.
const DefaultMetricsNamespace = "interruptgraph"

// PrometheusMetrics provides Prometheus-compatible metrics for run execution.
//
// Metrics exposed (namespaced, "interruptgraph_" by default):
//
// 1. inflight_steps (gauge): Steps currently executing across all runs.
//
// 2. step_latency_ms (histogram): Step execution duration in milliseconds.
// Labels: step, outcome (continue/suspend/terminate/error/timeout).
//
// 3. run_outcomes_total (counter): Engine calls by final outcome.
// Labels: outcome (completed/suspended/failed/cancelled).
//
// 4. checkpoint_conflicts_total (counter): Compare-and-swap conflicts.
// Labels: resolution (retried/cancelled/lost).
//
// 5. resumes_total (counter): Resume attempts.
// Labels: result (accepted/invalid_response/ticket_not_found/...).
//
// Run IDs are deliberately not used as labels.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry, "")
//	engine, _ := graph.New(g, st, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflightSteps prometheus.Gauge
	stepLatency   *prometheus.HistogramVec
	runOutcomes   *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	resumes       *prometheus.CounterVec

	enabled atomic.Bool
}

// NewPrometheusMetrics creates and registers the engine metrics with
// registry. A nil registry uses prometheus.DefaultRegisterer. An empty
// namespace uses DefaultMetricsNamespace.
func NewPrometheusMetrics(registry prometheus.Registerer, namespace string) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}

	factory := promauto.With(registry)
	pm := &PrometheusMetrics{}
	pm.enabled.Store(true)

	pm.inflightSteps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_steps",
		Help:      "Number of steps currently executing",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"step", "outcome"})

	pm.runOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "run_outcomes_total",
		Help:      "Engine calls by final run outcome",
	}, []string{"outcome"})

	pm.conflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoint_conflicts_total",
		Help:      "Checkpoint compare-and-swap conflicts by resolution",
	}, []string{"resolution"})

	pm.resumes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resumes_total",
		Help:      "Resume attempts by result",
	}, []string{"result"})

	return pm
}

// StepStarted increments the inflight gauge.
func (pm *PrometheusMetrics) StepStarted() {
	if pm == nil || !pm.enabled.Load() {
		return
	}
	pm.inflightSteps.Inc()
}

// StepFinished decrements the inflight gauge and records the latency.
func (pm *PrometheusMetrics) StepFinished(step string, latency time.Duration, outcome string) {
	if pm == nil || !pm.enabled.Load() {
		return
	}
	pm.inflightSteps.Dec()
	pm.stepLatency.WithLabelValues(step, outcome).Observe(float64(latency.Milliseconds()))
}

// RecordOutcome counts an engine call's final outcome.
func (pm *PrometheusMetrics) RecordOutcome(outcome string) {
	if pm == nil || !pm.enabled.Load() {
		return
	}
	pm.runOutcomes.WithLabelValues(outcome).Inc()
}

// RecordConflict counts a checkpoint conflict and how it was resolved.
func (pm *PrometheusMetrics) RecordConflict(resolution string) {
	if pm == nil || !pm.enabled.Load() {
		return
	}
	pm.conflicts.WithLabelValues(resolution).Inc()
}

// RecordResume counts a resume attempt.
func (pm *PrometheusMetrics) RecordResume(result string) {
	if pm == nil || !pm.enabled.Load() {
		return
	}
	pm.resumes.WithLabelValues(result).Inc()
}

// Disable temporarily disables metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.enabled.Store(false)
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.enabled.Store(true)
}

// Reset zeroes the inflight gauge. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.inflightSteps.Set(0)
}
