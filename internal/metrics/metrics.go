package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors shared by the bridge components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	tasksCreated     *prometheus.CounterVec
	taskTransitions  *prometheus.CounterVec
	platformRequests *prometheus.CounterVec
	auditEntries     *prometheus.CounterVec
	harvestItems     *prometheus.CounterVec

	// Gauges
	changelogCursor prometheus.Gauge

	// Histograms
	platformLatency *prometheus.HistogramVec
	reconcileRun    prometheus.Histogram
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platformbridge_tasks_created_total",
				Help: "Total number of tasks created by the request pipeline",
			},
			[]string{"kind"},
		),
		taskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platformbridge_task_transitions_total",
				Help: "Total number of task state transitions",
			},
			[]string{"kind", "state"},
		),
		platformRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platformbridge_platform_requests_total",
				Help: "Total number of platform calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		auditEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platformbridge_audit_entries_total",
				Help: "Total number of changelog entries processed",
			},
			[]string{"audit_type", "outcome"},
		),
		harvestItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platformbridge_harvest_items_total",
				Help: "Total number of harvest work items by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		changelogCursor: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "platformbridge_changelog_cursor",
				Help: "Last applied changelog audit id",
			},
		),
		platformLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "platformbridge_platform_request_duration_seconds",
				Help:    "Platform call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		reconcileRun: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "platformbridge_reconcile_run_duration_seconds",
				Help:    "Duration of a full reconcile pass over open tasks",
				Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
	}

	m.registry.MustRegister(
		m.tasksCreated,
		m.taskTransitions,
		m.platformRequests,
		m.auditEntries,
		m.harvestItems,
		m.changelogCursor,
		m.platformLatency,
		m.reconcileRun,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TaskCreated(kind string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskTransition(kind, state string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(kind, state).Inc()
}

func (m *Metrics) PlatformRequest(endpoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.platformRequests.WithLabelValues(endpoint, outcome).Inc()
	m.platformLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) AuditEntry(auditType, outcome string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(auditType, outcome).Inc()
}

func (m *Metrics) ChangelogCursor(auditID int64) {
	if m == nil {
		return
	}
	m.changelogCursor.Set(float64(auditID))
}

func (m *Metrics) HarvestItem(stage, outcome string) {
	if m == nil {
		return
	}
	m.harvestItems.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) ReconcileRun(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileRun.Observe(elapsed.Seconds())
}
