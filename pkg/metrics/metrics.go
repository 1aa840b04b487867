// Package metrics exposes the manager's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the manager's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	scanDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanmgr",
			Subsystem: "lifecycle",
			Name:      "scan_dispatch_total",
			Help:      "Total number of set-task-requested dispatch attempts.",
		},
		[]string{"result"},
	)

	scheduleTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scanmgr",
			Subsystem: "schedule",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a single schedule-evaluator tick.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	escalationDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanmgr",
			Subsystem: "escalation",
			Name:      "dispatch_total",
			Help:      "Total number of escalator method dispatches.",
		},
		[]string{"method", "result"},
	)

	reportRenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scanmgr",
			Subsystem: "report",
			Name:      "render_duration_seconds",
			Help:      "Duration of a report render, including the external format filter.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"format"},
	)

	migrationStepsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scanmgr",
			Subsystem: "store",
			Name:      "migration_steps_applied_total",
			Help:      "Total number of schema migration steps applied.",
		},
	)
)

func init() {
	Registry.MustRegister(
		scanDispatchTotal,
		scheduleTickDuration,
		escalationDispatchTotal,
		reportRenderDuration,
		migrationStepsApplied,
	)
}

// Handler returns an http.Handler serving the registry in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordScanDispatch records the outcome of a set-task-requested call.
func RecordScanDispatch(ok bool) {
	result := "rejected"
	if ok {
		result = "accepted"
	}
	scanDispatchTotal.WithLabelValues(result).Inc()
}

// ObserveScheduleTick records the wall-clock cost of one evaluator tick.
func ObserveScheduleTick(seconds float64) {
	scheduleTickDuration.Observe(seconds)
}

// RecordEscalationDispatch records the outcome of dispatching one
// escalator method.
func RecordEscalationDispatch(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	escalationDispatchTotal.WithLabelValues(method, result).Inc()
}

// ObserveReportRender records the wall-clock cost of rendering a report
// through a given format.
func ObserveReportRender(format string, seconds float64) {
	reportRenderDuration.WithLabelValues(format).Observe(seconds)
}

// RecordMigrationStep records one applied migration step.
func RecordMigrationStep() {
	migrationStepsApplied.Inc()
}
