package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/softcane/canary-pilot/internal/config"
	"github.com/softcane/canary-pilot/internal/train"
)

var (
	evalEpisodes int
	evalOutput   string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the configured policy against every scenario profile",
	Long: `Evaluate plays greedy episodes against each simulator profile and
reports outcome counts per profile.

Example:
  agent evaluate --config config/default.yaml --episodes 50
  agent evaluate --episodes 20 --output json`,
	RunE: runEvaluation,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().IntVar(&evalEpisodes, "episodes", 20,
		"Episodes to play per profile")
	evaluateCmd.Flags().StringVar(&evalOutput, "output", "table",
		"Output format: table, json")
}

func runEvaluation(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfgFile == "" {
		cfgFile = "config/default.yaml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pol, closePolicy, err := buildPolicy(cfg.Policy.Mode, cfg)
	if err != nil {
		return fmt.Errorf("failed to build %s policy: %w", cfg.Policy.Mode, err)
	}
	defer closePolicy()

	trainCfg, err := trainConfigFrom(cfg)
	if err != nil {
		return err
	}

	slog.Info("evaluating policy", "policy", cfg.Policy.Mode, "episodes_per_profile", evalEpisodes)

	reports, err := train.Evaluate(ctx, pol, trainCfg, evalEpisodes)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	switch evalOutput {
	case "json":
		return reportJSON(reports)
	default:
		return reportTable(reports)
	}
}

func reportJSON(reports []train.ProfileReport) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reports)
}

func reportTable(reports []train.ProfileReport) error {
	fmt.Printf("%-12s %-10s %-10s %-10s %-12s %-12s\n",
		"PROFILE", "ROLLOUT", "ROLLBACK", "MAXSTEPS", "AVG_REWARD", "AVG_STEPS")
	fmt.Println("--------------------------------------------------------------------")

	for _, r := range reports {
		fmt.Printf("%-12s %-10d %-10d %-10d %-12.2f %-12.1f\n",
			r.Profile,
			r.Outcomes["rollout"],
			r.Outcomes["rollback"],
			r.Outcomes["max_steps"],
			r.AvgReward,
			r.AvgSteps)
	}

	return nil
}
