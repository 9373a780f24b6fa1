package cmd

import "testing"

func TestValidateSyntheticModePolicy_BlocksSyntheticInLiveMode(t *testing.T) {
	err := validateSyntheticModePolicy(false, "buggy")
	if err == nil {
		t.Fatal("expected synthetic telemetry to be blocked in live mode")
	}
}

func TestValidateSyntheticModePolicy_AllowsSyntheticInDryRun(t *testing.T) {
	err := validateSyntheticModePolicy(true, "healthy")
	if err != nil {
		t.Fatalf("expected synthetic telemetry to be allowed in dry-run: %v", err)
	}
}

func TestValidateSyntheticModePolicy_AllowsLiveWithoutSynthetic(t *testing.T) {
	err := validateSyntheticModePolicy(false, "")
	if err != nil {
		t.Fatalf("expected live mode without synthetic telemetry to pass: %v", err)
	}
}

func TestValidateSyntheticModePolicy_AllowsDryRunWithoutSynthetic(t *testing.T) {
	err := validateSyntheticModePolicy(true, "")
	if err != nil {
		t.Fatalf("expected dry-run without synthetic telemetry to pass: %v", err)
	}
}
