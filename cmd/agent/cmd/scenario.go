package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/softcane/canary-pilot/internal/scenario"
)

var (
	scenarioSeed   int64
	scenarioSteps  int
	scenarioWeight int
)

var scenarioCmd = &cobra.Command{
	Use:   "scenario [profile]",
	Short: "Inspect simulator profiles",
	Long: `Scenario lists the available simulator profiles, or prints the
telemetry trace one profile produces at a fixed canary weight.

Example:
  agent scenario
  agent scenario buggy --seed 7 --steps 20 --weight 30`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScenario,
}

func init() {
	rootCmd.AddCommand(scenarioCmd)

	scenarioCmd.Flags().Int64Var(&scenarioSeed, "seed", 1, "Scenario seed")
	scenarioCmd.Flags().IntVar(&scenarioSteps, "steps", 20, "Steps to trace")
	scenarioCmd.Flags().IntVar(&scenarioWeight, "weight", 30, "Fixed canary weight for the trace")
}

func runScenario(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		for _, p := range scenario.Profiles {
			fmt.Println(p)
		}
		return nil
	}

	profile, err := scenario.ParseProfile(args[0])
	if err != nil {
		return err
	}
	if scenarioWeight < 0 || scenarioWeight > 100 {
		return fmt.Errorf("weight must be in [0,100], got %d", scenarioWeight)
	}

	gen, err := scenario.NewGenerator(profile, scenarioSeed, scenarioSteps, func() int { return scenarioWeight })
	if err != nil {
		return err
	}

	fmt.Printf("%-6s %-10s %-8s %-10s %-10s\n",
		"STEP", "REQUESTS", "ERRORS", "ERR_RATE", "LATENCY_MS")
	fmt.Println("-----------------------------------------------")

	ctx := context.Background()
	for step := 0; step < scenarioSteps; step++ {
		sample, err := gen.Sample(ctx, step)
		if err != nil {
			return err
		}
		rate := 0.0
		if sample.Requests > 0 {
			rate = float64(sample.Errors) / float64(sample.Requests)
		}
		fmt.Printf("%-6d %-10d %-8d %-10.4f %-10.1f\n",
			step, sample.Requests, sample.Errors, rate, sample.AvgLatencyMS)
	}

	return nil
}
