package queue

import (
	"strings"

	"github.com/swarmq/swarmq/internal/metrics"
	"github.com/swarmq/swarmq/pkg/models"
)

// permanentErrorPatterns never warrant a retry: the same call will fail
// the same way until a human or config change intervenes.
var permanentErrorPatterns = []string{
	"permission denied",
	"unauthorized",
	"authentication failed",
	"forbidden",
	"syntax error",
	"invalid argument",
	"not found",
	"does not exist",
	"duplicate",
	"unique constraint",
	"already exists",
	"read-only",
	"readonly",
	"immutable",
	"quota exceeded",
	"rate limit",
}

// retryableErrorPatterns mark transient infrastructure failures.
var retryableErrorPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"connection lost",
	"broken pipe",
	"temporary",
	"transient",
	"intermittent",
	"unavailable",
}

// IsRetryableError classifies a failure message by substring match,
// case-insensitive. Unknown messages (including empty ones) default to
// retryable, giving transient infrastructure issues a second chance.
func IsRetryableError(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return true
}

// ShouldRetry reports whether a task is failed with retry budget left.
func (s *Service) ShouldRetry(taskID string) (bool, error) {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return task.Status == models.TaskStatusFailed && task.RetryCount < task.MaxRetries, nil
}

// IncrementRetry re-admits a failed task: bumps retry_count, clears the
// error and assignment, and resets status to pending. Returns false if
// the retry budget is already exhausted, leaving the task untouched.
func (s *Service) IncrementRetry(taskID string) (bool, error) {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, models.ErrTaskNotFound
	}
	if task.RetryCount >= task.MaxRetries {
		return false, nil
	}

	task.RetryCount++
	task.Status = models.TaskStatusPending
	task.ErrorMessage = ""
	task.AssignedAgentID = ""
	task.StartedAt = nil
	task.CompletedAt = nil
	if err := s.db.UpdateTask(task); err != nil {
		return false, err
	}

	metrics.TasksRetried.WithLabelValues(task.TaskType).Inc()
	s.logger.Log("retrying task %s (attempt %d/%d)", taskID, task.RetryCount, task.MaxRetries)
	return true, nil
}

// RetryableTasks returns failed tasks that still have retry budget and
// whose recorded error is classified retryable.
func (s *Service) RetryableTasks() ([]*models.Task, error) {
	failed, err := s.db.TasksByStatus(models.TaskStatusFailed, "")
	if err != nil {
		return nil, err
	}
	var retryable []*models.Task
	for _, task := range failed {
		if task.RetryCount < task.MaxRetries && IsRetryableError(task.ErrorMessage) {
			retryable = append(retryable, task)
		}
	}
	return retryable, nil
}
