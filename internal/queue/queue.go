// Package queue owns the task lifecycle: admission, dependency gating,
// status transitions, retry bookkeeping, and per-organization
// concurrency accounting.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmq/swarmq/internal/bus"
	"github.com/swarmq/swarmq/internal/graph"
	"github.com/swarmq/swarmq/internal/logging"
	"github.com/swarmq/swarmq/internal/metrics"
	"github.com/swarmq/swarmq/internal/state"
	"github.com/swarmq/swarmq/internal/tiers"
	"github.com/swarmq/swarmq/pkg/models"
)

// DefaultMaxRetries is applied when an enqueue request does not set one.
const DefaultMaxRetries = 3

// Service coordinates task admission and lifecycle over the datastore.
type Service struct {
	db     *state.DB
	tiers  *tiers.Resolver
	events bus.Publisher
	logger *logging.DebugLogger
}

// NewService creates a task queue service. The publisher and logger may
// be nil-equivalents (bus.Nop, logging.NopLogger) in tests.
func NewService(db *state.DB, resolver *tiers.Resolver, events bus.Publisher, logger *logging.DebugLogger) *Service {
	if events == nil {
		events = bus.Nop{}
	}
	return &Service{db: db, tiers: resolver, events: events, logger: logger}
}

// EnqueueRequest carries the caller-supplied attributes of a new task.
type EnqueueRequest struct {
	TicketID             string
	PhaseID              string
	TaskType             string
	Description          string
	Priority             models.TaskPriority
	DependsOn            []string
	RequiredCapabilities []string
	ParentTaskID         string
	MaxRetries           int
	TimeoutSeconds       int
	DeadlineAt           *time.Time
	Score                float64
}

// Enqueue validates the request, rejects dependency cycles, and persists
// a new task in pending status.
func (s *Service) Enqueue(req EnqueueRequest) (*models.Task, error) {
	if req.TicketID == "" {
		return nil, models.ErrMissingTicket
	}
	if req.PhaseID == "" {
		return nil, models.ErrMissingPhase
	}
	if req.TaskType == "" {
		return nil, models.ErrMissingTaskType
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidPriority, req.Priority)
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = DefaultMaxRetries
	}

	id := uuid.New().String()
	if len(req.DependsOn) > 0 {
		if path := s.DetectCycle(id, req.DependsOn); path != nil {
			return nil, &models.CycleError{TaskID: id, Path: path}
		}
	}

	task := &models.Task{
		ID:                   id,
		TicketID:             req.TicketID,
		PhaseID:              req.PhaseID,
		TaskType:             req.TaskType,
		Description:          req.Description,
		Priority:             req.Priority,
		Score:                req.Score,
		RequiredCapabilities: models.NormalizeTokens(req.RequiredCapabilities),
		DependsOn:            req.DependsOn,
		ParentTaskID:         req.ParentTaskID,
		Status:               models.TaskStatusPending,
		MaxRetries:           req.MaxRetries,
		TimeoutSeconds:       req.TimeoutSeconds,
		DeadlineAt:           req.DeadlineAt,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.db.CreateTask(task); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	metrics.TasksEnqueued.WithLabelValues(task.TaskType).Inc()
	s.logger.Log("enqueued task %s (type=%s priority=%s deps=%d)", task.ID, task.TaskType, task.Priority, len(task.DependsOn))
	return task, nil
}

// Get returns a task by id, or nil if it does not exist.
func (s *Service) Get(taskID string) (*models.Task, error) {
	return s.db.GetTask(taskID)
}

// Pending lists pending tasks in creation order, scoped to phaseID if
// given.
func (s *Service) Pending(phaseID string) ([]*models.Task, error) {
	return s.db.TasksByStatus(models.TaskStatusPending, phaseID)
}

// DetectCycle walks the stored dependency edges plus the proposed new
// edges and returns the offending path if the start task would be
// revisited, or nil if the graph stays acyclic.
func (s *Service) DetectCycle(startTaskID string, proposedDependencyIDs []string) []string {
	tasks, err := s.db.AllTasks()
	if err != nil {
		// Fail closed: an unreadable graph blocks admission of new edges.
		s.logger.Log("cycle check could not load tasks: %v", err)
		return []string{startTaskID}
	}

	edges := make(map[string][]string, len(tasks)+1)
	for _, task := range tasks {
		if len(task.DependsOn) > 0 {
			edges[task.ID] = task.DependsOn
		}
	}
	g := graph.FromEdges(edges)
	return g.DetectCycle(startTaskID, proposedDependencyIDs)
}

// CheckDependenciesComplete reports whether every dependency of the task
// has reached completed. Unresolvable dependency ids count as incomplete.
func (s *Service) CheckDependenciesComplete(taskID string) (bool, error) {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return s.dependenciesComplete(task)
}

func (s *Service) dependenciesComplete(task *models.Task) (bool, error) {
	if len(task.DependsOn) == 0 {
		return true, nil
	}
	deps, err := s.db.GetTasks(task.DependsOn)
	if err != nil {
		return false, err
	}
	for _, depID := range task.DependsOn {
		dep, ok := deps[depID]
		if !ok || dep.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// NextReady returns the highest-priority pending task whose dependencies
// are all completed, scoped to phaseID if given. Ties are broken by
// earliest creation time. Returns nil when nothing is ready.
func (s *Service) NextReady(phaseID string) (*models.Task, error) {
	pending, err := s.db.TasksByStatus(models.TaskStatusPending, phaseID)
	if err != nil {
		return nil, err
	}

	// pending is ordered by created_at, so the first task seen at the
	// best rank is also the earliest.
	var best *models.Task
	for _, task := range pending {
		ready, err := s.dependenciesComplete(task)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		if best == nil || task.Priority.Rank() > best.Priority.Rank() {
			best = task
		}
	}
	return best, nil
}

// NextReadyForAgent is NextReady restricted to tasks the given agent can
// execute: every required capability of the task must appear in
// agentCapabilities. Used by pull-style workers fetching their own work.
func (s *Service) NextReadyForAgent(phaseID string, agentCapabilities []string) (*models.Task, error) {
	pending, err := s.db.TasksByStatus(models.TaskStatusPending, phaseID)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(agentCapabilities))
	for _, token := range models.NormalizeTokens(agentCapabilities) {
		have[token] = true
	}

	var best *models.Task
	for _, task := range pending {
		if !hasAll(have, task.RequiredCapabilities) {
			continue
		}
		ready, err := s.dependenciesComplete(task)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		if best == nil || task.Priority.Rank() > best.Priority.Rank() {
			best = task
		}
	}
	return best, nil
}

func hasAll(have map[string]bool, required []string) bool {
	for _, token := range required {
		if !have[token] {
			return false
		}
	}
	return true
}

// Assign transitions a pending task to assigned and records the agent.
// Safe under concurrent callers: exactly one claim per task wins.
func (s *Service) Assign(taskID, agentID string) error {
	claimed, err := s.db.ClaimTask(taskID, agentID)
	if err != nil {
		return err
	}
	if claimed {
		s.logger.Log("assigned task %s to agent %s", taskID, agentID)
		return nil
	}

	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return models.ErrTaskNotFound
	}
	return fmt.Errorf("%w: task %s is %s", models.ErrInvalidStatus, taskID, task.Status)
}

// UpdateStatus transitions a task and persists any result payload.
// started_at is stamped on the first transition to running and
// completed_at on the first transition to a terminal status.
func (s *Service) UpdateStatus(taskID string, status models.TaskStatus, result json.RawMessage, errorMessage string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return models.ErrTaskNotFound
	}

	now := time.Now().UTC()
	task.Status = status
	if status == models.TaskStatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if status.Terminal() && task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	if result != nil {
		task.Result = result
	}
	if errorMessage != "" {
		task.ErrorMessage = errorMessage
	}
	if err := s.db.UpdateTask(task); err != nil {
		return err
	}

	switch status {
	case models.TaskStatusCompleted:
		metrics.TasksCompleted.WithLabelValues(task.TaskType).Inc()
	case models.TaskStatusFailed:
		reason := "error"
		if !IsRetryableError(errorMessage) {
			reason = "permanent"
		}
		metrics.TasksFailed.WithLabelValues(task.TaskType, reason).Inc()
	}
	s.logger.Log("task %s -> %s", taskID, status)
	return nil
}

// BlockedTasks returns every task whose depends_on list includes taskID.
func (s *Service) BlockedTasks(taskID string) ([]*models.Task, error) {
	tasks, err := s.db.AllTasks()
	if err != nil {
		return nil, err
	}
	var blocked []*models.Task
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if dep == taskID {
				blocked = append(blocked, task)
				break
			}
		}
	}
	return blocked, nil
}

// AssignedTasks returns the tasks currently assigned to an agent.
func (s *Service) AssignedTasks(agentID string) ([]*models.Task, error) {
	tasks, err := s.db.TasksByAgent(agentID)
	if err != nil {
		return nil, err
	}
	var assigned []*models.Task
	for _, task := range tasks {
		if task.Status == models.TaskStatusAssigned || task.Status == models.TaskStatusRunning {
			assigned = append(assigned, task)
		}
	}
	return assigned, nil
}

// CancelTask marks a non-terminal task failed with a cancellation
// message. Cancelling an already-terminal task is a no-op.
func (s *Service) CancelTask(taskID string) error {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return models.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	task.Status = models.TaskStatusFailed
	task.ErrorMessage = "task cancelled"
	if task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	// Exhaust the retry budget so retry sweeps skip cancelled tasks.
	task.RetryCount = task.MaxRetries
	if err := s.db.UpdateTask(task); err != nil {
		return err
	}
	s.logger.Log("cancelled task %s", taskID)
	return nil
}

// PurgeTicket deletes every task belonging to ticketID. Tasks are only
// ever removed this way; individual cleanup goes through CancelTask.
func (s *Service) PurgeTicket(ticketID string) (int64, error) {
	if ticketID == "" {
		return 0, models.ErrMissingTicket
	}
	deleted, err := s.db.DeleteTasksForTicket(ticketID)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Log("purged %d tasks for ticket %s", deleted, ticketID)
	}
	return deleted, nil
}

// DAGNode describes one pending task's position in the dependency graph.
type DAGNode struct {
	TaskID    string   `json:"task_id"`
	TaskType  string   `json:"task_type"`
	Priority  string   `json:"priority"`
	DependsOn []string `json:"depends_on"`
	IsReady   bool     `json:"is_ready"`
}

// DAGStatus returns, per pending task, its dependency list and a
// computed readiness flag, scoped to phaseID if given.
func (s *Service) DAGStatus(phaseID string) ([]DAGNode, error) {
	pending, err := s.db.TasksByStatus(models.TaskStatusPending, phaseID)
	if err != nil {
		return nil, err
	}

	nodes := make([]DAGNode, 0, len(pending))
	for _, task := range pending {
		ready, err := s.dependenciesComplete(task)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, DAGNode{
			TaskID:    task.ID,
			TaskType:  task.TaskType,
			Priority:  string(task.Priority),
			DependsOn: task.DependsOn,
			IsReady:   ready,
		})
	}
	return nodes, nil
}
