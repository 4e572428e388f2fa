// Package telemetry exposes the controller's Prometheus metrics. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aipha"

// Metrics holds every controller metric on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// CyclesTotal counts finished cycles by type and outcome.
	CyclesTotal *prometheus.CounterVec

	// ProposalsTotal counts proposals by stage (generated, approved, rejected).
	ProposalsTotal *prometheus.CounterVec

	// AppliesTotal counts apply attempts by result (committed, rolled_back, failed).
	AppliesTotal *prometheus.CounterVec

	// InterruptsTotal counts preemption signals by kind (urgent, emergency).
	InterruptsTotal *prometheus.CounterVec

	// QueueDepth is the number of pending execution tasks.
	QueueDepth prometheus.Gauge

	// CycleDurationSeconds measures one full cycle.
	CycleDurationSeconds prometheus.Histogram
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "total",
				Help:      "Finished cycles by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		ProposalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proposal",
				Name:      "total",
				Help:      "Proposals by stage",
			},
			[]string{"stage"},
		),
		AppliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "total",
				Help:      "Atomic apply attempts by result",
			},
			[]string{"result"},
		),
		InterruptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "interrupts_total",
				Help:      "Preemption signals by kind",
			},
			[]string{"kind"},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Pending execution tasks",
			},
		),
		CycleDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Duration of one control cycle",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// #region recorders

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(cycleType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(cycleType, outcome).Inc()
	m.CycleDurationSeconds.Observe(d.Seconds())
}

// AddProposals adds n proposals at the given stage.
func (m *Metrics) AddProposals(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ProposalsTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveApply records one apply attempt.
func (m *Metrics) ObserveApply(result string) {
	if m == nil {
		return
	}
	m.AppliesTotal.WithLabelValues(result).Inc()
}

// ObserveInterrupt records one preemption signal.
func (m *Metrics) ObserveInterrupt(kind string) {
	if m == nil {
		return
	}
	m.InterruptsTotal.WithLabelValues(kind).Inc()
}

// SetQueueDepth sets the pending task gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// #endregion recorders
