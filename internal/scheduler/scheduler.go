// Package scheduler evaluates task readiness over the dependency graph
// and hands ready tasks to best-fit agents.
package scheduler

import (
	"sort"

	"github.com/swarmq/swarmq/internal/bus"
	"github.com/swarmq/swarmq/internal/graph"
	"github.com/swarmq/swarmq/internal/logging"
	"github.com/swarmq/swarmq/internal/metrics"
	"github.com/swarmq/swarmq/internal/queue"
	"github.com/swarmq/swarmq/internal/registry"
	"github.com/swarmq/swarmq/pkg/models"
)

// Service composes the task queue and agent registry into scheduling
// passes. Callers invoke ScheduleAndAssign on a cadence; nothing here
// retries internally.
type Service struct {
	queue    *queue.Service
	registry *registry.Service
	events   bus.Publisher
	logger   *logging.DebugLogger
}

// NewService creates a scheduler.
func NewService(q *queue.Service, r *registry.Service, events bus.Publisher, logger *logging.DebugLogger) *Service {
	if events == nil {
		events = bus.Nop{}
	}
	return &Service{queue: q, registry: r, events: events, logger: logger}
}

// ReadyRequest scopes one readiness evaluation.
type ReadyRequest struct {
	PhaseID              string
	Limit                int
	RequiredCapabilities []string
}

// GetReadyTasks returns pending tasks whose dependencies are satisfied,
// ordered by priority descending with earlier-created tasks first
// within a priority. A dependency in the same pending batch blocks its
// dependents even at in-batch in-degree zero until it truly completes,
// so readiness is verified against the store, not just batch structure.
// When RequiredCapabilities is set, tasks are also filtered for
// capability feasibility: at least one registry candidate must fully
// cover the task's requirements.
func (s *Service) GetReadyTasks(req ReadyRequest) ([]*models.Task, error) {
	pending, err := s.queue.Pending(req.PhaseID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	// In-batch in-degrees prune the obvious blockers cheaply before
	// hitting the store for true completion checks.
	g := graph.New()
	for _, task := range pending {
		g.Add(task.ID, task.DependsOn)
	}
	degrees := g.InDegrees()

	var ready []*models.Task
	for _, task := range pending {
		if degrees[task.ID] > 0 {
			// Blocked on another still-pending task in this batch.
			continue
		}
		// Out-of-batch dependencies may be failed, running, or missing;
		// only the store knows.
		complete, err := s.queue.CheckDependenciesComplete(task.ID)
		if err != nil {
			return nil, err
		}
		if complete {
			ready = append(ready, task)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority.Rank() > ready[j].Priority.Rank()
	})

	if len(req.RequiredCapabilities) > 0 || hasCapabilityNeeds(ready) {
		ready, err = s.filterFeasible(ready, req.RequiredCapabilities)
		if err != nil {
			return nil, err
		}
	}

	if req.Limit > 0 && len(ready) > req.Limit {
		ready = ready[:req.Limit]
	}
	return ready, nil
}

func hasCapabilityNeeds(tasks []*models.Task) bool {
	for _, task := range tasks {
		if len(task.RequiredCapabilities) > 0 {
			return true
		}
	}
	return false
}

// filterFeasible keeps tasks for which at least one registry candidate
// fully covers the task's requirements plus any extra requirements.
// The check scans all candidates, not just the top-scored one, so a
// fully covering agent ranked below a partial match still counts.
func (s *Service) filterFeasible(tasks []*models.Task, extra []string) ([]*models.Task, error) {
	feasible := tasks[:0]
	for _, task := range tasks {
		required := mergeTokens(task.RequiredCapabilities, extra)
		if len(required) == 0 {
			feasible = append(feasible, task)
			continue
		}
		ok, err := s.registry.CanServe(required, task.PhaseID, "")
		if err != nil {
			return nil, err
		}
		if ok {
			feasible = append(feasible, task)
		}
	}
	return feasible, nil
}

func mergeTokens(a, b []string) []string {
	return models.NormalizeTokens(append(append([]string{}, a...), b...))
}

// AssignTasksToAgents finds the best idle agent for each task and
// assigns it. Tasks without a feasible idle agent map to an empty
// agent id. Stops early once maxAssignments is reached (0 = no cap).
func (s *Service) AssignTasksToAgents(tasks []*models.Task, maxAssignments int) (map[string]string, error) {
	result := make(map[string]string, len(tasks))
	assigned := 0
	for _, task := range tasks {
		result[task.ID] = ""
		if maxAssignments > 0 && assigned >= maxAssignments {
			continue
		}

		match, err := s.registry.FindBest(task.RequiredCapabilities, task.PhaseID, "")
		if err != nil {
			return nil, err
		}
		if match == nil || match.Agent.Status != models.AgentStatusIdle {
			continue
		}

		if err := s.queue.Assign(task.ID, match.Agent.ID); err != nil {
			// Lost the claim to a concurrent scheduler; move on.
			s.logger.Log("could not assign task %s: %v", task.ID, err)
			continue
		}
		result[task.ID] = match.Agent.ID
		assigned++
		metrics.SchedulerAssignments.Inc()

		if err := s.markAgentLoaded(match.Agent); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// markAgentLoaded flips an agent to running once its assignments reach
// capacity, keeping multi-slot agents eligible for further work.
func (s *Service) markAgentLoaded(agent *models.Agent) error {
	active, err := s.queue.AssignedTasks(agent.ID)
	if err != nil {
		return err
	}
	if len(active) < agent.Capacity {
		return nil
	}
	status := models.AgentStatusRunning
	_, err = s.registry.Update(agent.ID, registry.UpdateRequest{Status: &status})
	return err
}

// Assignment reports one task's outcome from a scheduling pass.
type Assignment struct {
	Task     *models.Task `json:"task"`
	AgentID  string       `json:"agent_id,omitempty"`
	Assigned bool         `json:"assigned"`
}

// ScheduleAndAssign is the combined scheduling tick: readiness
// evaluation, agent matching, and assignment, with one telemetry event
// summarizing the ready batch.
func (s *Service) ScheduleAndAssign(req ReadyRequest) ([]Assignment, error) {
	ready, err := s.GetReadyTasks(req)
	if err != nil {
		return nil, err
	}

	metrics.SchedulerPasses.Inc()
	metrics.SchedulerReadyTasks.Set(float64(len(ready)))

	ids := make([]string, 0, len(ready))
	for _, task := range ready {
		ids = append(ids, task.ID)
	}
	s.events.Emit(bus.Event{
		Type:       bus.EventReadyTasks,
		EntityType: "phase",
		EntityID:   req.PhaseID,
		Payload:    map[string]any{"task_ids": ids, "count": len(ids)},
	})
	if len(ready) == 0 {
		return nil, nil
	}

	agentByTask, err := s.AssignTasksToAgents(ready, 0)
	if err != nil {
		return nil, err
	}

	assignments := make([]Assignment, 0, len(ready))
	for _, task := range ready {
		agentID := agentByTask[task.ID]
		assignments = append(assignments, Assignment{
			Task:     task,
			AgentID:  agentID,
			Assigned: agentID != "",
		})
	}
	s.logger.Log("scheduling pass: %d ready, %d assigned", len(ready), countAssigned(assignments))
	return assignments, nil
}

func countAssigned(assignments []Assignment) int {
	n := 0
	for _, a := range assignments {
		if a.Assigned {
			n++
		}
	}
	return n
}
