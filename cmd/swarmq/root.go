package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/swarmq/swarmq/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "swarmq",
	Short: "Capability-aware task scheduling core",
	Long: `Swarmq admits, gates, and assigns units of work across a fleet of
registered worker agents.

It maintains a dependency DAG over queued tasks, hands ready work to the
best-matching agents by capability, enforces per-organization concurrency
quotas, and mediates exclusive access to shared resources through
short-lived leases.

Run 'swarmq serve' to start the HTTP API and the scheduling loop.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (overrides discovery)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig honors an explicit --config path before falling back to the
// usual discovery order.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}
