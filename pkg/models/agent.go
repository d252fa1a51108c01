package models

import (
	"sort"
	"strings"
	"time"
)

// AgentStatus represents the current state of a worker agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent is available for work.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusRunning indicates the agent is executing a task.
	AgentStatusRunning AgentStatus = "running"
	// AgentStatusDegraded indicates the agent is functional but unhealthy.
	AgentStatusDegraded AgentStatus = "degraded"
	// AgentStatusMaintenance indicates the agent is deliberately offline.
	AgentStatusMaintenance AgentStatus = "maintenance"
	// AgentStatusQuarantined indicates the agent has been isolated.
	AgentStatusQuarantined AgentStatus = "quarantined"
	// AgentStatusTerminated indicates the agent has been retired.
	// Agents are never hard-deleted, only terminated.
	AgentStatusTerminated AgentStatus = "terminated"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusDegraded,
		AgentStatusMaintenance, AgentStatusQuarantined, AgentStatusTerminated:
		return true
	default:
		return false
	}
}

// HealthHealthy is the health_status value that earns the scoring bonus.
const HealthHealthy = "healthy"

// Agent represents a worker capable of executing tasks.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// AgentType categorizes the agent (e.g. "worker", "reviewer").
	AgentType string `json:"agent_type"`
	// PhaseID is the workflow stage this agent is affined to.
	PhaseID string `json:"phase_id,omitempty"`
	// Status is the current lifecycle state.
	Status AgentStatus `json:"status"`
	// Capabilities is the normalized lowercase capability token set.
	Capabilities []string `json:"capabilities"`
	// Capacity is the maximum number of concurrent tasks (>= 1).
	Capacity int `json:"capacity"`
	// HealthStatus is the reported health (e.g. "healthy").
	HealthStatus string `json:"health_status,omitempty"`
	// Tags holds normalized descriptive labels.
	Tags []string `json:"tags,omitempty"`
	// LastHeartbeat is the most recent liveness signal.
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	// CreatedAt is when the agent registered.
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeTokens trims, lowercases, deduplicates, and sorts capability or
// tag tokens so matching is exact-set-intersection. Empty tokens are dropped.
func NormalizeTokens(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// TokensEqual reports whether two normalized token sets are identical.
func TokensEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
