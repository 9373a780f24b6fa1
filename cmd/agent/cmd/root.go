// Package cmd provides the CLI commands for the canary pilot agent.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dryRun  bool
	verbose bool
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Canary Pilot - Learned Canary Rollout Control",
	Long: `Canary Pilot steers ingress canary traffic weights with a policy
trained by reinforcement learning against simulated rollouts.

Prime Directive: Stability over Velocity. If telemetry goes dark, we roll back.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", true,
		"Shadow mode: keep weights in memory instead of committing to the ingress (default: true, set --dry-run=false for active mode)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose logging output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to configuration file (default: config/default.yaml)")
}

// setupLogging configures structured JSON logging using slog.
func setupLogging() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if dryRun {
		slog.Info(
			"dry-run mode enabled",
			"action", "ingress weight commits are disabled; read-only telemetry queries may still occur",
		)
	}

	return nil
}

// IsDryRun returns whether dry-run mode is enabled.
func IsDryRun() bool {
	return dryRun
}
