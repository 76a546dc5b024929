// Package metrics provides Prometheus metrics for the scheduler, the result
// aggregator and the run store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "montytest"

// TasksAssigned counts tasks handed to workers, split by whether an
// existing task was reused.
var TasksAssigned = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_assigned_total",
	Help:      "Total tasks assigned to workers.",
}, []string{"kind"})

// TasksReclaimed counts active tasks reclaimed after a heartbeat timeout.
var TasksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_reclaimed_total",
	Help:      "Total tasks reclaimed from silent workers.",
})

// TasksPurged counts tasks whose results were rolled back.
var TasksPurged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_purged_total",
	Help:      "Total tasks purged.",
})

// NoWork counts task requests that found nothing to do.
var NoWork = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "task_requests_no_work_total",
	Help:      "Total task requests answered with no work available.",
})

// Reports counts result reports by outcome.
var Reports = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "reports_total",
	Help:      "Total result reports by outcome.",
}, []string{"outcome"})

// GamesRecorded counts games merged into runs.
var GamesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "games_recorded_total",
	Help:      "Total games merged into run results.",
})

// RunsFinished counts finished runs by verdict.
var RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "runs_finished_total",
	Help:      "Total finished runs by verdict.",
}, []string{"verdict"})

// SchedulableRuns tracks the number of runs the scheduler may assign from.
var SchedulableRuns = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "schedulable_runs",
	Help:      "Number of approved or running runs known to the scheduler.",
})

// StoreConflicts counts optimistic-concurrency write conflicts.
var StoreConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "store_conflicts_total",
	Help:      "Total run updates retried after a version conflict.",
})
