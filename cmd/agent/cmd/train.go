package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/softcane/canary-pilot/internal/config"
	"github.com/softcane/canary-pilot/internal/scenario"
	"github.com/softcane/canary-pilot/internal/train"
)

var trainOutput string

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the Q-learning policy against simulated rollouts",
	Long: `Train runs Q-learning episodes against the scenario simulator and
writes the learned table as a policy artifact.

Example:
  agent train --config config/default.yaml --output artifacts/qtable.json`,
	RunE: runTraining,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVar(&trainOutput, "output", "",
		"Artifact output path (default: policy.artifactPath from config)")
}

func runTraining(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfgFile == "" {
		cfgFile = "config/default.yaml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	output := trainOutput
	if output == "" {
		output = cfg.Policy.ArtifactPath
	}
	if output == "" {
		return fmt.Errorf("no artifact output path: set --output or policy.artifactPath")
	}

	trainCfg, err := trainConfigFrom(cfg)
	if err != nil {
		return err
	}

	pol, summary, err := train.Train(ctx, trainCfg)
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	if err := pol.Save(output); err != nil {
		return fmt.Errorf("failed to save policy artifact: %w", err)
	}

	slog.Info("policy artifact written",
		"path", output,
		"episodes", summary.Episodes,
		"avg_reward", summary.AvgReward,
		"states", summary.States,
		"outcomes", summary.Outcomes,
	)
	return nil
}

// trainConfigFrom maps the YAML training section onto the trainer config.
func trainConfigFrom(cfg *config.Config) (train.Config, error) {
	mix := train.Mix{}
	for name, weight := range cfg.Training.Mix {
		profile, err := scenario.ParseProfile(name)
		if err != nil {
			return train.Config{}, fmt.Errorf("training.mix: %w", err)
		}
		mix[profile] = weight
	}
	if len(mix) == 0 {
		mix = nil
	}

	return train.Config{
		Episodes:      cfg.Training.Episodes,
		MaxSteps:      cfg.Training.MaxSteps,
		InitialWeight: cfg.Controller.InitialWeight,
		SLOLatencyMS:  cfg.Controller.SLOLatencyMS,
		Seed:          cfg.Training.Seed,
		Workers:       cfg.Training.Workers,
		Mix:           mix,
		Reward:        cfg.Reward,
		Q:             cfg.Training.Q,
		Logger:        slog.Default(),
	}, nil
}
