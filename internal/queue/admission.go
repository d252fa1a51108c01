package queue

import (
	"fmt"

	"github.com/swarmq/swarmq/pkg/models"
)

// RunningCountByOrganization counts tasks in claiming, assigned, or
// running status whose owning ticket belongs to the organization.
func (s *Service) RunningCountByOrganization(orgID string) (int, error) {
	return s.db.CountActiveTasksForOrganization(orgID)
}

// AgentLimitForOrganization resolves the organization's concurrent-agent
// quota from its active subscription tier. Organizations without a
// subscription record fall back to the free tier. -1 denotes unlimited.
func (s *Service) AgentLimitForOrganization(orgID string) (int, error) {
	tier, ok, err := s.db.ActiveSubscriptionTier(orgID)
	if err != nil {
		return 0, err
	}
	if !ok {
		tier = models.FreeTier
	}
	return s.tiers.Limits(tier).AgentsLimit, nil
}

// CanSpawnAgentForOrganization reports whether the organization is below
// its concurrent-agent quota, with a human-readable reason when not.
func (s *Service) CanSpawnAgentForOrganization(orgID string) (bool, string, error) {
	limit, err := s.AgentLimitForOrganization(orgID)
	if err != nil {
		return false, "", err
	}
	if limit == models.UnlimitedAgents {
		return true, "", nil
	}

	running, err := s.RunningCountByOrganization(orgID)
	if err != nil {
		return false, "", err
	}
	if running >= limit {
		return false, fmt.Sprintf("organization %s is at its agent limit (%d/%d active)", orgID, running, limit), nil
	}
	return true, "", nil
}

// NextTaskWithConcurrencyLimit is the admission-control gate used at
// claim time: like NextReady across all phases, but skips candidates
// whose organization is at or above its agent limit.
func (s *Service) NextTaskWithConcurrencyLimit() (*models.Task, error) {
	pending, err := s.db.TasksByStatus(models.TaskStatusPending, "")
	if err != nil {
		return nil, err
	}

	// Cache per-ticket organization and per-organization verdicts: a
	// full pending scan may revisit the same organization many times.
	orgForTicket := make(map[string]string)
	verdict := make(map[string]bool)

	var best *models.Task
	for _, task := range pending {
		ready, err := s.dependenciesComplete(task)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		orgID, ok := orgForTicket[task.TicketID]
		if !ok {
			orgID, err = s.db.OrganizationForTicket(task.TicketID)
			if err != nil {
				return nil, err
			}
			orgForTicket[task.TicketID] = orgID
		}

		// Tickets without an organization are not quota-bound.
		if orgID != "" {
			allowed, cached := verdict[orgID]
			if !cached {
				allowed, _, err = s.CanSpawnAgentForOrganization(orgID)
				if err != nil {
					return nil, err
				}
				verdict[orgID] = allowed
			}
			if !allowed {
				s.logger.Log("admission control: skipping task %s (org %s at limit)", task.ID, orgID)
				continue
			}
		}

		if best == nil || task.Priority.Rank() > best.Priority.Rank() {
			best = task
		}
	}
	return best, nil
}
