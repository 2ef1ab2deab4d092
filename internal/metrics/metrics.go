// Package metrics exposes Prometheus collectors for the orchestrator.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmlease"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds the orchestrator collectors.
type Metrics struct {
	operations *prometheus.CounterVec
	tasks      *prometheus.HistogramVec
	sweeps     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by action and outcome kind.",
		}, []string{"action", "outcome"}),
		tasks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_task_duration_seconds",
			Help:      "Time from task submission to completion.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"op", "outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_vms_total",
			Help:      "VMs handled by the expiry sweeper by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.operations, m.tasks, m.sweeps)
	return m
}

// ObserveOperation counts a finished lifecycle operation.
func (m *Metrics) ObserveOperation(action, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(action, outcome).Inc()
}

// ObserveTask records a gateway task's duration.
func (m *Metrics) ObserveTask(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.tasks.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// ObserveSweep counts the results of one sweeper pass.
func (m *Metrics) ObserveSweep(suspended, skipped, failed int) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues("suspended").Add(float64(suspended))
	m.sweeps.WithLabelValues("skipped").Add(float64(skipped))
	m.sweeps.WithLabelValues("failed").Add(float64(failed))
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
