package models

// UnlimitedAgents is the sentinel agents_limit meaning no concurrency cap.
const UnlimitedAgents = -1

// FreeTier is the tier organizations fall back to when they have no
// subscription record.
const FreeTier = "free"

// TierLimits holds the quota values for one subscription tier.
// Only AgentsLimit is consumed by the scheduling core; the remaining
// fields are carried for the owning billing collaborator.
type TierLimits struct {
	// AgentsLimit caps concurrently active tasks per organization.
	// UnlimitedAgents (-1) disables the cap.
	AgentsLimit int `json:"agents_limit" yaml:"agents_limit"`
	// WorkflowsLimit caps concurrently open tickets per organization.
	WorkflowsLimit int `json:"workflows_limit" yaml:"workflows_limit"`
}

// Unlimited returns true if the tier places no cap on concurrent agents.
func (t TierLimits) Unlimited() bool {
	return t.AgentsLimit == UnlimitedAgents
}
