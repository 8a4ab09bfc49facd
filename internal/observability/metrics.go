// Package observability exposes Prometheus metrics for the orchestrator and
// keeps them current from bus events.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadclaw"

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TasksCreated     *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
	LockSkips        prometheus.Counter
	IntakeEvents     *prometheus.CounterVec
	Approvals        *prometheus.CounterVec
	RunningTasks     prometheus.Gauge
	PendingTasks     prometheus.Gauge
	ExecutionSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics registers every instrument on a private registry, so tests
// and multiple instances never collide on the default one.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TasksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks created by command kind and initial status.",
		}, []string{"kind", "status"}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		LockSkips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_skips_total",
			Help:      "Pending tasks passed over because their lock was held.",
		}),
		IntakeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_events_total",
			Help:      "Inbound messages by intake result.",
		}, []string{"result"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests and decisions.",
		}, []string{"decision"}),
		RunningTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Tasks currently running.",
		}),
		PendingTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Tasks waiting for a worker.",
		}),
		ExecutionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Task execution time by command kind.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"kind"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
