package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across services. Domain errors carry no
// infrastructure dependency.
var (
	// Task errors
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskExists       = errors.New("task already exists")
	ErrInvalidStatus    = errors.New("invalid task status")
	ErrInvalidPriority  = errors.New("invalid task priority")
	ErrMissingTicket    = errors.New("task requires a ticket id")
	ErrMissingPhase     = errors.New("task requires a phase id")
	ErrMissingTaskType  = errors.New("task requires a task type")
	ErrRetriesExhausted = errors.New("task has exhausted its retry budget")

	// Agent errors
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentExists      = errors.New("agent already registered")
	ErrNoMatchingAgent  = errors.New("no agent matches the required capabilities")
	ErrAgentUnavailable = errors.New("agent is not available for assignment")

	// Lock errors
	ErrLockNotFound = errors.New("lock not found")
	ErrLockNotOwner = errors.New("lock is held by a different agent")
	ErrLockExpired  = errors.New("lock has expired")

	// Quota errors
	ErrConcurrencyLimit = errors.New("organization concurrency limit reached")
)

// CycleError reports a dependency cycle found during admission. Path
// holds the offending chain, starting and ending at the new task.
type CycleError struct {
	TaskID string
	Path   []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected for task %s: %s", e.TaskID, strings.Join(e.Path, " -> "))
}

// LockHeldError reports a failed lock acquisition after retries were
// exhausted. Holder identifies the task that still owns the resource.
type LockHeldError struct {
	ResourceKey string
	Holder      string
	Attempts    int
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("failed to acquire lock on %s after %d attempts (held by task %s)", e.ResourceKey, e.Attempts, e.Holder)
}
