package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Tickets and subscriptions are owned by external collaborators (workflow
// and billing). The core writes them only so deployments without those
// collaborators (and tests) can seed the read side.

// CreateTicket inserts a ticket row linking a workflow instance to its
// organization. An empty orgID records a ticket with no organization.
func (db *DB) CreateTicket(id, orgID string, createdAt time.Time) error {
	var org any
	if orgID != "" {
		org = orgID
	}
	_, err := db.Exec(`
		INSERT INTO tickets (id, organization_id, created_at) VALUES (?, ?, ?)
	`, id, org, formatTime(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create ticket %s: %w", id, ErrDuplicate)
		}
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

// OrganizationForTicket resolves a ticket to its organization ID.
// Returns "" when the ticket is missing or has no organization.
func (db *DB) OrganizationForTicket(ticketID string) (string, error) {
	row := db.QueryRow(`SELECT organization_id FROM tickets WHERE id = ?`, ticketID)
	var org sql.NullString
	err := row.Scan(&org)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("organization for ticket: %w", err)
	}
	return org.String, nil
}

// DeleteTicket removes a ticket and cascades to its tasks.
func (db *DB) DeleteTicket(id string) error {
	if _, err := db.DeleteTasksForTicket(id); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM tickets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return nil
}

// CreateSubscription records an organization's subscription to a tier.
func (db *DB) CreateSubscription(id, orgID, tier, status string, createdAt time.Time) error {
	_, err := db.Exec(`
		INSERT INTO subscriptions (id, organization_id, tier, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, orgID, tier, status, formatTime(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create subscription %s: %w", id, ErrDuplicate)
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// ActiveSubscriptionTier returns the tier name of the organization's most
// recent active or trialing subscription. ok is false when none exists.
func (db *DB) ActiveSubscriptionTier(orgID string) (tier string, ok bool, err error) {
	row := db.QueryRow(`
		SELECT tier FROM subscriptions
		WHERE organization_id = ? AND status IN ('active', 'trialing')
		ORDER BY created_at DESC LIMIT 1
	`, orgID)
	err = row.Scan(&tier)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("active subscription tier: %w", err)
	}
	return tier, true, nil
}
