// Package metrics exposes orchestrator activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/diag"
)

const namespace = "kiln"

// Metrics holds the orchestrator's collectors.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	vms        *prometheus.GaugeVec
	findings   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Orchestrator operations by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Orchestrator operation latency.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"op"}),
		vms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vms",
			Help:      "VMs by status as of the last scan.",
		}, []string{"status"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_findings_total",
			Help:      "Drift findings by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.operations, m.duration, m.vms, m.findings)
	return m
}

// ObserveOp records one finished operation. The result label is "ok" or the
// error kind.
func (m *Metrics) ObserveOp(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = v1alpha1.Kind(err)
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetVMCounts replaces the per-status gauges.
func (m *Metrics) SetVMCounts(counts map[string]int) {
	m.vms.Reset()
	for status, n := range counts {
		m.vms.WithLabelValues(status).Set(float64(n))
	}
}

// Report implements diag.Reporter by counting findings.
func (m *Metrics) Report(_ context.Context, f diag.Finding) error {
	m.findings.WithLabelValues(string(f.Kind)).Inc()
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RegisterMetrics registers the /metrics handler in mux.
func RegisterMetrics(mux *http.ServeMux, g prometheus.Gatherer) {
	mux.Handle("/metrics", Handler(g))
}
