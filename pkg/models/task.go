// Package models defines the shared domain types for swarmq:
// tasks, agents, resource locks, and subscription tier limits.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be scheduled.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusClaiming indicates a worker is in the process of claiming the task.
	TaskStatusClaiming TaskStatus = "claiming"
	// TaskStatusAssigned indicates the task has been handed to an agent.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusRunning indicates the assigned agent is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusClaiming, TaskStatusAssigned,
		TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status ends the task's lifecycle.
// A failed task may still be re-queued by retry logic.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Active returns true if the task counts against an organization's
// concurrent-agent quota.
func (s TaskStatus) Active() bool {
	return s == TaskStatusClaiming || s == TaskStatusAssigned || s == TaskStatusRunning
}

// TaskPriority is the coarse scheduling priority of a task.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "CRITICAL"
	PriorityHigh     TaskPriority = "HIGH"
	PriorityMedium   TaskPriority = "MEDIUM"
	PriorityLow      TaskPriority = "LOW"
)

// Valid returns true if the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the numeric ordering of the priority for sorting.
// Higher is more urgent. Unknown priorities rank below LOW.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Task represents a unit of work flowing through the queue.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// TicketID is the workflow instance that owns this task.
	TicketID string `json:"ticket_id"`
	// PhaseID tags the workflow stage this task belongs to.
	PhaseID string `json:"phase_id"`
	// TaskType categorizes the kind of work (e.g. "implement_feature").
	TaskType string `json:"task_type"`
	// Description is the human-readable work description.
	Description string `json:"description,omitempty"`
	// Priority is the coarse scheduling priority.
	Priority TaskPriority `json:"priority"`
	// Score is reserved for finer-grained dynamic ranking.
	Score float64 `json:"score,omitempty"`
	// RequiredCapabilities lists normalized capability tags an agent must have.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// DependsOn lists task IDs that must complete before this task is ready.
	DependsOn []string `json:"depends_on,omitempty"`
	// ParentTaskID groups sub-tasks under a parent task.
	ParentTaskID string `json:"parent_task_id,omitempty"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count"`
	// MaxRetries caps how many retries are allowed.
	MaxRetries int `json:"max_retries"`
	// AssignedAgentID is the agent currently responsible for the task.
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	// TimeoutSeconds is an advisory execution timeout for the agent.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// DeadlineAt is an optional scheduling deadline.
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task first transitioned to running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task first reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Result is the opaque payload reported by the executing agent.
	Result json.RawMessage `json:"result,omitempty"`
	// ErrorMessage holds the failure description, if any.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Elapsed returns how long the task has been running relative to now,
// or zero if it has not started.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return now.Sub(*t.StartedAt)
}

// TimedOut returns true if the task is running and has exceeded its
// advisory timeout.
func (t *Task) TimedOut(now time.Time) bool {
	if t.Status != TaskStatusRunning || t.TimeoutSeconds <= 0 || t.StartedAt == nil {
		return false
	}
	return t.Elapsed(now) > time.Duration(t.TimeoutSeconds)*time.Second
}
