package cmd

import "fmt"

func validateSyntheticModePolicy(isDryRun bool, syntheticProfile string) error {
	if !isDryRun && syntheticProfile != "" {
		return fmt.Errorf("synthetic telemetry is blocked when --dry-run is false: --synthetic=%q", syntheticProfile)
	}
	return nil
}
