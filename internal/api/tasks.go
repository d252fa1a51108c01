package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/swarmq/swarmq/internal/queue"
	"github.com/swarmq/swarmq/internal/scheduler"
	"github.com/swarmq/swarmq/pkg/models"
)

type enqueueTaskRequest struct {
	TicketID             string     `json:"ticket_id"`
	PhaseID              string     `json:"phase_id"`
	TaskType             string     `json:"task_type"`
	Description          string     `json:"description"`
	Priority             string     `json:"priority"`
	DependsOn            []string   `json:"depends_on"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	ParentTaskID         string     `json:"parent_task_id"`
	MaxRetries           int        `json:"max_retries"`
	TimeoutSeconds       int        `json:"timeout_seconds"`
	DeadlineAt           *time.Time `json:"deadline_at"`
	Score                float64    `json:"score"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.queue.Enqueue(queue.EnqueueRequest{
		TicketID:             req.TicketID,
		PhaseID:              req.PhaseID,
		TaskType:             req.TaskType,
		Description:          req.Description,
		Priority:             models.TaskPriority(req.Priority),
		DependsOn:            req.DependsOn,
		RequiredCapabilities: req.RequiredCapabilities,
		ParentTaskID:         req.ParentTaskID,
		MaxRetries:           req.MaxRetries,
		TimeoutSeconds:       req.TimeoutSeconds,
		DeadlineAt:           req.DeadlineAt,
		Score:                req.Score,
	})
	if err != nil {
		var cycle *models.CycleError
		if errors.As(err, &cycle) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error": map[string]interface{}{
					"message": cycle.Error(),
					"type":    "cycle",
					"path":    cycle.Path,
				},
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type assignTaskRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	taskID := chi.URLParam(r, "taskID")
	err := s.queue.Assign(taskID, req.AgentID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "agent_id": req.AgentID})
	case errors.Is(err, models.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidStatus):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type updateTaskStatusRequest struct {
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func (s *Server) handleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req updateTaskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskID := chi.URLParam(r, "taskID")
	err := s.queue.UpdateStatus(taskID, models.TaskStatus(req.Status), req.Result, req.ErrorMessage)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": req.Status})
	case errors.Is(err, models.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	err := s.queue.CancelTask(taskID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(models.TaskStatusFailed)})
	case errors.Is(err, models.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleDeleteTicketTasks(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	deleted, err := s.queue.PurgeTicket(ticketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ticket_id": ticketID, "deleted": deleted})
}

func (s *Server) handleReadyTasks(w http.ResponseWriter, r *http.Request) {
	req := readyRequestFromQuery(r)
	tasks, err := s.scheduler.GetReadyTasks(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleDAGStatus(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.queue.DAGStatus(r.URL.Query().Get("phase_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": nodes, "count": len(nodes)})
}

func (s *Server) handleScheduleAndAssign(w http.ResponseWriter, r *http.Request) {
	req := readyRequestFromQuery(r)
	assignments, err := s.scheduler.ScheduleAndAssign(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if assignments == nil {
		assignments = []scheduler.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assignments": assignments,
		"count":       len(assignments),
	})
}

func readyRequestFromQuery(r *http.Request) scheduler.ReadyRequest {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	return scheduler.ReadyRequest{
		PhaseID:              q.Get("phase_id"),
		Limit:                limit,
		RequiredCapabilities: q["capability"],
	}
}
