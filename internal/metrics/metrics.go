// Package metrics exposes pipeline counters in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atlas"

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	classifications *prometheus.CounterVec
	injections      *prometheus.CounterVec
	outputs         *prometheus.CounterVec
	outputScore     prometheus.Histogram
	approvals       *prometheus.CounterVec
	executions      *prometheus.CounterVec
	execDuration    prometheus.Histogram
	rateLimited     *prometheus.CounterVec
	pending         prometheus.Gauge
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Commands classified, by tier.",
		}, []string{"tier"}),
		injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injections_detected_total",
			Help:      "Prompt injection detections, by source and category.",
		}, []string{"source", "category"}),
		outputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_validations_total",
			Help:      "Output validations, by verdict.",
		}, []string{"blocked"}),
		outputScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "output_risk_score",
			Help:      "Distribution of output risk scores.",
			Buckets:   []float64{0, 15, 30, 50, 70, 100},
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_transitions_total",
			Help:      "Approval request transitions, by resulting status.",
		}, []string{"status"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_executions_total",
			Help:      "Sandbox executions, by outcome.",
		}, []string{"outcome"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_seconds",
			Help:      "Sandbox execution wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Operations refused by the rate limiter, by operation.",
		}, []string{"operation"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approval requests currently pending.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.classifications, m.injections, m.outputs, m.outputScore,
		m.approvals, m.executions, m.execDuration, m.rateLimited, m.pending,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveClassification(tier string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(tier).Inc()
}

func (m *Metrics) ObserveInjection(source, category string) {
	if m == nil {
		return
	}
	m.injections.WithLabelValues(source, category).Inc()
}

func (m *Metrics) ObserveOutput(blocked bool, score int) {
	if m == nil {
		return
	}
	m.outputs.WithLabelValues(strconv.FormatBool(blocked)).Inc()
	m.outputScore.Observe(float64(score))
}

func (m *Metrics) ObserveApproval(status string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.execDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRateLimited(operation string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(operation).Inc()
}

// SetPending sets the pending approvals gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
