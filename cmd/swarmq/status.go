package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/swarmq/swarmq/internal/state"
	"github.com/swarmq/swarmq/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, agent, and lock state",
	Long: `Display the current state of the swarmq datastore.

Shows:
  - Task counts per status
  - Registered agents and their health
  - Active resource leases`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No datastore found. Run 'swarmq serve' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if err := displayTasks(db); err != nil {
		return err
	}
	fmt.Println()
	if err := displayAgents(db); err != nil {
		return err
	}
	fmt.Println()
	return displayLocks(db)
}

func displayTasks(db *state.DB) error {
	statuses := []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusClaiming,
		models.TaskStatusAssigned,
		models.TaskStatusRunning,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	}

	fmt.Println("Tasks:")
	total := 0
	for _, status := range statuses {
		tasks, err := db.TasksByStatus(status, "")
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		total += len(tasks)
		if len(tasks) == 0 {
			continue
		}
		fmt.Printf("  %s: %d\n", statusColor(status).Sprint(status), len(tasks))
	}
	if total == 0 {
		fmt.Println("  none")
	}
	return nil
}

func displayAgents(db *state.DB) error {
	agents, err := db.ListAgents(state.AgentFilter{})
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	fmt.Println("Agents:")
	if len(agents) == 0 {
		fmt.Println("  none")
		return nil
	}
	for _, a := range agents {
		if a.Status == models.AgentStatusTerminated {
			continue
		}
		age := ""
		if a.LastHeartbeat != nil {
			age = fmt.Sprintf(" (heartbeat %s ago)", formatDuration(time.Since(*a.LastHeartbeat)))
		}
		fmt.Printf("  %s [%s] %s%s\n", a.ID, a.AgentType, agentColor(a.Status).Sprint(a.Status), age)
	}
	return nil
}

func displayLocks(db *state.DB) error {
	locks, err := db.ActiveLocks("", "")
	if err != nil {
		return fmt.Errorf("list locks: %w", err)
	}

	fmt.Println("Locks:")
	now := time.Now().UTC()
	active := 0
	for _, l := range locks {
		if l.Expired(now) {
			continue
		}
		active++
		fmt.Printf("  %s held by task %s (expires in %s)\n",
			l.ResourceKey, l.TaskID, formatDuration(l.ExpiresAt.Sub(now)))
	}
	if active == 0 {
		fmt.Println("  none")
	}
	return nil
}

func statusColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusRunning, models.TaskStatusAssigned, models.TaskStatusClaiming:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func agentColor(s models.AgentStatus) *color.Color {
	switch s {
	case models.AgentStatusIdle:
		return color.New(color.FgGreen)
	case models.AgentStatusRunning:
		return color.New(color.FgYellow)
	case models.AgentStatusDegraded, models.AgentStatusQuarantined:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
