package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics shared across packages are defined and initialized here.

var (
	// TaskRunsTotal measures task orchestration runs by operation kind and outcome.
	TaskRunsTotal *prometheus.CounterVec

	// CommandsPublishedTotal measures device commands published to the bus, by command name.
	CommandsPublishedTotal *prometheus.CounterVec

	// PreflightFailuresTotal measures task-assets failed before dispatch, by classification.
	PreflightFailuresTotal *prometheus.CounterVec

	// SessionOpenErrorsTotal counts session manager create-session failures.
	SessionOpenErrorsTotal *prometheus.CounterVec

	// AuditWriteErrorsTotal counts audit sink write failures that were swallowed.
	AuditWriteErrorsTotal prometheus.Counter

	// StoreQueryErrorsTotal counts persistence query errors, by query.
	StoreQueryErrorsTotal *prometheus.CounterVec
)

func init() {
	TaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_task_runs_total",
			Help: "A counter metric to measure the total count of task orchestration runs.",
		},
		[]string{"kind", "outcome"},
	)

	CommandsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_commands_published_total",
			Help: "A counter metric to measure the total count of device commands published to the message bus.",
		},
		[]string{"command"},
	)

	PreflightFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_preflight_failures_total",
			Help: "A counter metric to measure task-assets failed by pre-flight classification.",
		},
		[]string{"classification"},
	)

	SessionOpenErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_session_open_errors_total",
			Help: "A counter metric to measure session manager create-session failures.",
		},
		[]string{"kind"},
	)

	AuditWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_audit_write_errors_total",
			Help: "A counter metric to measure audit sink write failures swallowed by the recorder.",
		},
	)

	StoreQueryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_store_query_errors_total",
			Help: "A counter metric to measure persistence query errors.",
		},
		[]string{"query"},
	)
}
