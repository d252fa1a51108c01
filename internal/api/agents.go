package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/swarmq/swarmq/internal/registry"
	"github.com/swarmq/swarmq/pkg/models"
)

type registerAgentRequest struct {
	AgentType    string   `json:"agent_type"`
	PhaseID      string   `json:"phase_id"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
	Tags         []string `json:"tags"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := s.registry.Register(registry.RegisterRequest{
		AgentType:    req.AgentType,
		PhaseID:      req.PhaseID,
		Capabilities: req.Capabilities,
		Capacity:     req.Capacity,
		Tags:         req.Tags,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.Get(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type updateAgentRequest struct {
	Capabilities *[]string `json:"capabilities,omitempty"`
	Capacity     *int      `json:"capacity,omitempty"`
	Status       *string   `json:"status,omitempty"`
	Tags         *[]string `json:"tags,omitempty"`
	HealthStatus *string   `json:"health_status,omitempty"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	update := registry.UpdateRequest{
		Capabilities: req.Capabilities,
		Capacity:     req.Capacity,
		Tags:         req.Tags,
		HealthStatus: req.HealthStatus,
	}
	if req.Status != nil {
		status := models.AgentStatus(*req.Status)
		update.Status = &status
	}

	agent, err := s.registry.Update(chi.URLParam(r, "agentID"), update)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	err := s.registry.Heartbeat(agentID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID})
	case errors.Is(err, models.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleToggleAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.ToggleAvailability(chi.URLParam(r, "agentID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, agent)
	case errors.Is(err, models.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	err := s.registry.Terminate(agentID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": string(models.AgentStatusTerminated)})
	case errors.Is(err, models.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSearchAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	includeDegraded, _ := strconv.ParseBool(q.Get("include_degraded"))

	matches, err := s.registry.Search(registry.SearchRequest{
		RequiredCapabilities: q["capability"],
		PhaseID:              q.Get("phase_id"),
		AgentType:            q.Get("agent_type"),
		Limit:                limit,
		IncludeDegraded:      includeDegraded,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if matches == nil {
		matches = []registry.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matches": matches, "count": len(matches)})
}
