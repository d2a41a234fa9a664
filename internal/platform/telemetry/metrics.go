package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docflow"

// Metrics holds the Prometheus collectors for the workflow engine and the
// notification pipeline. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	decideDuration prometheus.Histogram
	dispatches     *prometheus.CounterVec
	auditEvents    *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow instance transitions by history action.",
		}, []string{"action"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "decisions_total",
			Help:      "Decide calls by submitted decision and outcome kind.",
		}, []string{"decision", "outcome"}),
		decideDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "decide_duration_seconds",
			Help:      "Latency of decide calls including the per-instance wait.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dispatch_total",
			Help:      "Notification dispatch attempts by driver and result.",
		}, []string{"driver", "result"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events by outcome: written, dropped or failed.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.transitions, m.decisions, m.decideDuration, m.dispatches, m.auditEvents,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveTransition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveDecision(decision, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, outcome).Inc()
	m.decideDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDispatch(driver, result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(driver, result).Inc()
}

func (m *Metrics) ObserveAudit(result string, n int) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(result).Add(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
