// Package registry maintains the pool of worker agents and answers
// capability-match queries for the scheduler.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swarmq/swarmq/internal/bus"
	"github.com/swarmq/swarmq/internal/logging"
	"github.com/swarmq/swarmq/internal/metrics"
	"github.com/swarmq/swarmq/internal/state"
	"github.com/swarmq/swarmq/pkg/models"
)

// DefaultSearchLimit caps Search results when no limit is given.
const DefaultSearchLimit = 5

// Scoring weights for capability matches.
const (
	availabilityBonus = 0.2
	healthBonus       = 0.2
	capacityBonusStep = 0.05
	capacityBonusCap  = 5
)

// Service owns agent registration, updates, and capability search.
type Service struct {
	db     *state.DB
	events bus.Publisher
	logger *logging.DebugLogger
}

// NewService creates an agent registry service.
func NewService(db *state.DB, events bus.Publisher, logger *logging.DebugLogger) *Service {
	if events == nil {
		events = bus.Nop{}
	}
	return &Service{db: db, events: events, logger: logger}
}

// RegisterRequest carries the attributes of a new agent.
type RegisterRequest struct {
	AgentType    string
	PhaseID      string
	Capabilities []string
	Capacity     int
	Tags         []string
}

// Register stores a new agent with normalized capability and tag tokens
// and publishes a capability-changed event.
func (s *Service) Register(req RegisterRequest) (*models.Agent, error) {
	if req.AgentType == "" {
		return nil, fmt.Errorf("agent type is required")
	}
	if req.Capacity <= 0 {
		req.Capacity = 1
	}

	agent := &models.Agent{
		ID:           uuid.New().String(),
		AgentType:    req.AgentType,
		PhaseID:      req.PhaseID,
		Status:       models.AgentStatusIdle,
		Capabilities: models.NormalizeTokens(req.Capabilities),
		Capacity:     req.Capacity,
		HealthStatus: models.HealthHealthy,
		Tags:         models.NormalizeTokens(req.Tags),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.CreateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	metrics.AgentsRegistered.WithLabelValues(agent.AgentType).Inc()
	s.emitCapabilityUpdate(agent)
	s.logger.Log("registered agent %s (type=%s caps=%v)", agent.ID, agent.AgentType, agent.Capabilities)
	return agent, nil
}

// UpdateRequest carries optional agent mutations. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Capabilities *[]string
	Capacity     *int
	Status       *models.AgentStatus
	Tags         *[]string
	HealthStatus *string
}

// Update applies the provided mutations. A capability-changed event is
// published only if the normalized capability set actually differs.
// Returns nil if the agent does not exist.
func (s *Service) Update(agentID string, req UpdateRequest) (*models.Agent, error) {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, nil
	}

	capsChanged := false
	if req.Capabilities != nil {
		normalized := models.NormalizeTokens(*req.Capabilities)
		if !models.TokensEqual(agent.Capabilities, normalized) {
			agent.Capabilities = normalized
			capsChanged = true
		}
	}
	if req.Capacity != nil && *req.Capacity > 0 {
		agent.Capacity = *req.Capacity
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, fmt.Errorf("invalid agent status %q", *req.Status)
		}
		agent.Status = *req.Status
	}
	if req.Tags != nil {
		agent.Tags = models.NormalizeTokens(*req.Tags)
	}
	if req.HealthStatus != nil {
		agent.HealthStatus = *req.HealthStatus
	}

	if err := s.db.UpdateAgent(agent); err != nil {
		return nil, err
	}
	if capsChanged {
		s.emitCapabilityUpdate(agent)
	}
	return agent, nil
}

// Heartbeat records a liveness signal from an agent.
func (s *Service) Heartbeat(agentID string) error {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return models.ErrAgentNotFound
	}
	now := time.Now().UTC()
	agent.LastHeartbeat = &now
	return s.db.UpdateAgent(agent)
}

// Get returns an agent by id, or nil if it does not exist.
func (s *Service) Get(agentID string) (*models.Agent, error) {
	return s.db.GetAgent(agentID)
}

// ToggleAvailability flips an agent between idle and maintenance.
// Agents in any other status are left alone.
func (s *Service) ToggleAvailability(agentID string) (*models.Agent, error) {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, models.ErrAgentNotFound
	}

	switch agent.Status {
	case models.AgentStatusIdle:
		agent.Status = models.AgentStatusMaintenance
	case models.AgentStatusMaintenance:
		agent.Status = models.AgentStatusIdle
	default:
		return agent, nil
	}
	if err := s.db.UpdateAgent(agent); err != nil {
		return nil, err
	}
	s.logger.Log("agent %s availability toggled to %s", agentID, agent.Status)
	return agent, nil
}

// Terminate transitions an agent to terminated. Agents are never
// hard-deleted.
func (s *Service) Terminate(agentID string) error {
	status := models.AgentStatusTerminated
	agent, err := s.Update(agentID, UpdateRequest{Status: &status})
	if err != nil {
		return err
	}
	if agent == nil {
		return models.ErrAgentNotFound
	}
	return nil
}

func (s *Service) emitCapabilityUpdate(agent *models.Agent) {
	s.events.Emit(bus.Event{
		Type:       bus.EventCapabilityUpdated,
		EntityType: "agent",
		EntityID:   agent.ID,
		Payload: map[string]any{
			"agent_type":   agent.AgentType,
			"capabilities": agent.Capabilities,
		},
	})
}

// Match pairs an agent with its score against a requirement set.
type Match struct {
	Agent               *models.Agent `json:"agent"`
	Score               float64       `json:"match_score"`
	MatchedCapabilities []string      `json:"matched_capabilities"`
}

// SearchRequest scopes a capability search.
type SearchRequest struct {
	RequiredCapabilities []string
	PhaseID              string
	AgentType            string
	Limit                int
	IncludeDegraded      bool
}

// Search scores candidate agents against the required capabilities and
// returns the best matches, highest score first. Ties keep storage
// order. Terminated and quarantined agents are excluded unless
// IncludeDegraded is set.
func (s *Service) Search(req SearchRequest) ([]Match, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultSearchLimit
	}

	filter := state.AgentFilter{PhaseID: req.PhaseID, AgentType: req.AgentType}
	if !req.IncludeDegraded {
		filter.ExcludeStatuses = []models.AgentStatus{
			models.AgentStatusTerminated,
			models.AgentStatusQuarantined,
		}
	}
	agents, err := s.db.ListAgents(filter)
	if err != nil {
		return nil, err
	}

	required := models.NormalizeTokens(req.RequiredCapabilities)
	matches := make([]Match, 0, len(agents))
	for _, agent := range agents {
		score, matched := scoreAgent(agent, required)
		matches = append(matches, Match{Agent: agent, Score: score, MatchedCapabilities: matched})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	if len(matches) == 0 {
		metrics.AgentSearchNoMatch.Inc()
	}
	return matches, nil
}

// FindBest returns the single best match, or nil if no candidate exists.
func (s *Service) FindBest(requiredCapabilities []string, phaseID, agentType string) (*Match, error) {
	matches, err := s.Search(SearchRequest{
		RequiredCapabilities: requiredCapabilities,
		PhaseID:              phaseID,
		AgentType:            agentType,
		Limit:                1,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// CanServe reports whether any live candidate fully covers the required
// capabilities. Unlike FindBest it is not fooled by ranking: a fully
// covering agent counts even when bonuses rank a partial match above it.
func (s *Service) CanServe(requiredCapabilities []string, phaseID, agentType string) (bool, error) {
	filter := state.AgentFilter{
		PhaseID:   phaseID,
		AgentType: agentType,
		ExcludeStatuses: []models.AgentStatus{
			models.AgentStatusTerminated,
			models.AgentStatusQuarantined,
		},
	}
	agents, err := s.db.ListAgents(filter)
	if err != nil {
		return false, err
	}

	required := models.NormalizeTokens(requiredCapabilities)
	for _, agent := range agents {
		_, matched := scoreAgent(agent, required)
		if len(matched) == len(required) {
			return true, nil
		}
	}
	return false, nil
}

// scoreAgent computes coverage plus availability, health, and capacity
// bonuses. Coverage is 0 when no capabilities are required.
func scoreAgent(agent *models.Agent, required []string) (float64, []string) {
	var score float64
	var matched []string

	if len(required) > 0 {
		have := make(map[string]bool, len(agent.Capabilities))
		for _, c := range agent.Capabilities {
			have[c] = true
		}
		for _, r := range required {
			if have[r] {
				matched = append(matched, r)
			}
		}
		score += float64(len(matched)) / float64(len(required))
	}

	if agent.Status == models.AgentStatusIdle {
		score += availabilityBonus
	}
	if agent.HealthStatus == models.HealthHealthy {
		score += healthBonus
	}
	capacity := agent.Capacity
	if capacity > capacityBonusCap {
		capacity = capacityBonusCap
	}
	score += float64(capacity) * capacityBonusStep

	return score, matched
}
