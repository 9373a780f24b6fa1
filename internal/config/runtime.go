package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	// PolicyModeQ selects the trained Q-table policy.
	PolicyModeQ = "q"
	// PolicyModeONNX selects the exported ONNX policy.
	PolicyModeONNX = "onnx"
	// PolicyModeRules selects the deterministic threshold rules.
	PolicyModeRules = "rules"
)

// RuntimeConfig holds operator-tunable overrides loaded at startup from a
// JSON file. It lets an operator steer a live rollout without editing the
// main config: swap the policy, tighten the weight ceiling, or pause
// promotion entirely.
type RuntimeConfig struct {
	// PolicyMode overrides the configured policy when set.
	// Supported values: "q", "onnx", "rules".
	PolicyMode string `json:"policy_mode"`

	// MinWeight is the hard lower bound for the canary weight (0..100).
	MinWeight int `json:"min_weight"`

	// MaxWeight is the hard upper bound for the canary weight (0..100).
	MaxWeight int `json:"max_weight"`

	// Paused forces the rules policy and freezes promotion: the canary
	// holds its weight unless a rollback rule fires.
	Paused bool `json:"paused"`

	// AbsentTickLimit overrides the guardrail tolerance when positive.
	AbsentTickLimit int `json:"absent_tick_limit"`
}

// LoadRuntimeConfig loads the runtime configuration from the specified path.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime config: %w", err)
	}

	var cfg RuntimeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config: %w", err)
	}

	applyRuntimeDefaults(&cfg)
	applyRuntimeClamps(&cfg)

	return &cfg, nil
}

// DefaultRuntimeConfig returns a safe default runtime config.
func DefaultRuntimeConfig() *RuntimeConfig {
	cfg := RuntimeConfig{}
	applyRuntimeDefaults(&cfg)
	applyRuntimeClamps(&cfg)
	return &cfg
}

func applyRuntimeDefaults(cfg *RuntimeConfig) {
	if cfg.MaxWeight == 0 {
		cfg.MaxWeight = 100
	}
	cfg.PolicyMode = strings.TrimSpace(strings.ToLower(cfg.PolicyMode))
}

func applyRuntimeClamps(cfg *RuntimeConfig) {
	cfg.MinWeight = clampInt(cfg.MinWeight, 0, 100)
	cfg.MaxWeight = clampInt(cfg.MaxWeight, 0, 100)
	if cfg.MinWeight > cfg.MaxWeight {
		cfg.MinWeight = cfg.MaxWeight
	}

	switch cfg.PolicyMode {
	case PolicyModeQ, PolicyModeONNX, PolicyModeRules, "":
	default:
		cfg.PolicyMode = PolicyModeRules
	}

	if cfg.AbsentTickLimit < 0 {
		cfg.AbsentTickLimit = 0
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ClampWeight clamps a canary weight to the configured bounds.
func (c *RuntimeConfig) ClampWeight(weight int) int {
	return clampInt(weight, c.MinWeight, c.MaxWeight)
}

// EffectivePolicyMode resolves the policy mode, preferring the runtime
// override over the configured mode. Paused always forces rules.
func (c *RuntimeConfig) EffectivePolicyMode(configured string) string {
	if c == nil {
		return configured
	}
	if c.Paused {
		return PolicyModeRules
	}
	if c.PolicyMode != "" {
		return c.PolicyMode
	}
	return configured
}
