package queue

import (
	"fmt"
	"time"

	"github.com/swarmq/swarmq/internal/bus"
	"github.com/swarmq/swarmq/pkg/models"
)

// CheckTaskTimeout reports whether a running task has exceeded its
// timeout_seconds budget. Tasks without a budget never time out.
func (s *Service) CheckTaskTimeout(taskID string) (bool, error) {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return task.TimedOut(time.Now().UTC()), nil
}

// TimedOutTasks returns running tasks that have exceeded their budget.
func (s *Service) TimedOutTasks() ([]*models.Task, error) {
	running, err := s.db.TasksByStatus(models.TaskStatusRunning, "")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var expired []*models.Task
	for _, task := range running {
		if task.TimedOut(now) {
			expired = append(expired, task)
		}
	}
	return expired, nil
}

// MarkTaskTimeout fails a timed-out task with a timeout message so the
// retry classifier treats it as transient, and publishes a timeout
// event. Callers should release the task's resource locks afterwards.
func (s *Service) MarkTaskTimeout(taskID string) error {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return models.ErrTaskNotFound
	}

	elapsed := task.Elapsed(time.Now().UTC())
	msg := fmt.Sprintf("task timed out after %s (budget %ds)", elapsed.Round(time.Second), task.TimeoutSeconds)
	if err := s.UpdateStatus(taskID, models.TaskStatusFailed, nil, msg); err != nil {
		return err
	}

	s.events.Emit(bus.Event{
		Type:       bus.EventTaskTimedOut,
		EntityType: "task",
		EntityID:   taskID,
		Payload: map[string]any{
			"elapsed_seconds": elapsed.Seconds(),
			"timeout_seconds": task.TimeoutSeconds,
		},
	})
	return nil
}
