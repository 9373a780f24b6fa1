package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRuntime(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write runtime config: %v", err)
	}
	return path
}

func TestLoadRuntimeConfig_WeightBounds(t *testing.T) {
	path := writeRuntime(t, `{
		"policy_mode": "Q",
		"min_weight": 10,
		"max_weight": 60
	}`)

	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.PolicyMode != PolicyModeQ {
		t.Fatalf("expected normalized mode q, got %q", cfg.PolicyMode)
	}
	if got := cfg.ClampWeight(80); got != 60 {
		t.Fatalf("ClampWeight(80) = %d, want 60", got)
	}
	if got := cfg.ClampWeight(5); got != 10 {
		t.Fatalf("ClampWeight(5) = %d, want 10", got)
	}
	if got := cfg.ClampWeight(30); got != 30 {
		t.Fatalf("ClampWeight(30) = %d, want 30", got)
	}
}

func TestLoadRuntimeConfig_ClampsInvertedBounds(t *testing.T) {
	path := writeRuntime(t, `{"min_weight": 90, "max_weight": 40}`)

	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.MinWeight != 40 || cfg.MaxWeight != 40 {
		t.Fatalf("expected bounds collapsed to 40, got min=%d max=%d", cfg.MinWeight, cfg.MaxWeight)
	}
}

func TestLoadRuntimeConfig_UnknownModeFallsBackToRules(t *testing.T) {
	path := writeRuntime(t, `{"policy_mode": "oracle"}`)

	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.PolicyMode != PolicyModeRules {
		t.Fatalf("expected fallback to rules, got %q", cfg.PolicyMode)
	}
}

func TestDefaultRuntimeConfig(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	if cfg.MinWeight != 0 || cfg.MaxWeight != 100 {
		t.Fatalf("unexpected default bounds: min=%d max=%d", cfg.MinWeight, cfg.MaxWeight)
	}
	if cfg.Paused {
		t.Fatal("default config must not be paused")
	}
}

func TestEffectivePolicyMode(t *testing.T) {
	cases := []struct {
		name       string
		cfg        *RuntimeConfig
		configured string
		want       string
	}{
		{"nil config passes through", nil, "q", "q"},
		{"empty override passes through", &RuntimeConfig{}, "onnx", "onnx"},
		{"override wins", &RuntimeConfig{PolicyMode: PolicyModeRules}, "q", "rules"},
		{"paused forces rules", &RuntimeConfig{Paused: true, PolicyMode: PolicyModeQ}, "q", "rules"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.EffectivePolicyMode(tc.configured); got != tc.want {
				t.Fatalf("EffectivePolicyMode(%q) = %q, want %q", tc.configured, got, tc.want)
			}
		})
	}
}

func TestLoadRuntimeConfig_MissingFile(t *testing.T) {
	if _, err := LoadRuntimeConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
