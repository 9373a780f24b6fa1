package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/canary-pilot/internal/audit"
	"github.com/softcane/canary-pilot/internal/config"
	"github.com/softcane/canary-pilot/internal/controller"
	"github.com/softcane/canary-pilot/internal/history"
)

var (
	statusLimit     int
	statusOutput    string
	statusAttestKey string
	statusClusterID string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent canary episodes from the history store",
	Long: `Status lists recently recorded episodes with their outcomes.

With --attest-key, each episode is emitted as an HMAC-signed manifest
suitable for export to release-management tooling.

Example:
  agent status --config config/default.yaml
  agent status --limit 50 --output json
  agent status --attest-key "$AUDIT_KEY" --cluster-id prod-east`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().IntVar(&statusLimit, "limit", 20,
		"Maximum number of episodes to list")
	statusCmd.Flags().StringVar(&statusOutput, "output", "table",
		"Output format: table, json")
	statusCmd.Flags().StringVar(&statusAttestKey, "attest-key", "",
		"HMAC key; when set, episodes are printed as signed manifests")
	statusCmd.Flags().StringVar(&statusClusterID, "cluster-id", "",
		"Cluster identifier embedded in signed manifests")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if cfgFile == "" {
		cfgFile = "config/default.yaml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("history.path is not configured")
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	episodes, err := store.RecentEpisodes(ctx, statusLimit)
	if err != nil {
		return fmt.Errorf("failed to list episodes: %w", err)
	}

	if statusAttestKey != "" {
		return attestEpisodes(episodes)
	}

	switch statusOutput {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(episodes)
	default:
		return episodeTable(episodes)
	}
}

func attestEpisodes(episodes []controller.Result) error {
	auditor, err := audit.NewAuditor(audit.Config{
		SecretKey: statusAttestKey,
		ClusterID: statusClusterID,
	})
	if err != nil {
		return err
	}

	for _, e := range episodes {
		manifest, err := auditor.GenerateManifest(e)
		if err != nil {
			return fmt.Errorf("failed to attest episode %s: %w", e.ID, err)
		}
		data, err := manifest.ToJSON()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s\n", data)
	}
	return nil
}

func episodeTable(episodes []controller.Result) error {
	fmt.Printf("%-36s %-12s %-20s %-6s %-7s %-10s %-20s\n",
		"EPISODE", "RELEASE", "OUTCOME", "STEPS", "WEIGHT", "REWARD", "STARTED")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, e := range episodes {
		fmt.Printf("%-36s %-12s %-20s %-6d %-7d %-10.2f %-20s\n",
			e.ID, e.Release, e.Outcome, e.Steps, e.FinalWeight, e.TotalReward,
			e.StartedAt.Local().Format(time.RFC3339))
	}

	return nil
}
