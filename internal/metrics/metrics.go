// Package metrics provides Prometheus metrics for task flow, scheduling
// passes, lock contention, and agent matching.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksEnqueued tracks enqueued tasks by type.
var TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "tasks_enqueued_total",
	Help:      "Total enqueued tasks.",
}, []string{"type"})

// TasksCompleted tracks completed tasks by type.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks.",
}, []string{"type"})

// TasksFailed tracks failed tasks by type and reason.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "tasks_failed_total",
	Help:      "Total failed tasks.",
}, []string{"type", "reason"})

// TasksRetried tracks retry re-enqueues by type.
var TasksRetried = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "tasks_retried_total",
	Help:      "Total retry re-enqueues.",
}, []string{"type"})

// TasksActive tracks tasks currently claiming, assigned, or running.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "swarmq",
	Name:      "tasks_active",
	Help:      "Number of tasks currently claiming, assigned, or running.",
})

// ─── Scheduler ──────────────────────────────────────────────────────────────

// SchedulerPasses tracks completed scheduling passes.
var SchedulerPasses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "scheduler_passes_total",
	Help:      "Total completed scheduling passes.",
})

// SchedulerReadyTasks tracks the ready-batch size of the last pass.
var SchedulerReadyTasks = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "swarmq",
	Name:      "scheduler_ready_tasks",
	Help:      "Ready tasks found by the most recent scheduling pass.",
})

// SchedulerAssignments tracks task-to-agent assignments made by the scheduler.
var SchedulerAssignments = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "scheduler_assignments_total",
	Help:      "Total task-to-agent assignments.",
})

// ─── Locks ──────────────────────────────────────────────────────────────────

// LockWaitSeconds tracks time spent waiting to acquire a resource lock.
var LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "swarmq",
	Name:      "lock_wait_seconds",
	Help:      "Time spent waiting to acquire a resource lock.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
})

// LockAcquireFailures tracks lock acquisitions that exhausted their retries.
var LockAcquireFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "lock_acquire_failures_total",
	Help:      "Total lock acquisitions that exhausted their retry budget.",
})

// LocksExpiredSwept tracks expired locks removed by sweeps.
var LocksExpiredSwept = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "locks_expired_swept_total",
	Help:      "Total expired locks removed by cleanup sweeps.",
})

// ─── Registry ───────────────────────────────────────────────────────────────

// AgentsRegistered tracks registered agents by type.
var AgentsRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "agents_registered_total",
	Help:      "Total agent registrations.",
}, []string{"type"})

// AgentSearchNoMatch tracks capability searches that found no candidate.
var AgentSearchNoMatch = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmq",
	Name:      "agent_search_no_match_total",
	Help:      "Total capability searches with no matching agent.",
})
