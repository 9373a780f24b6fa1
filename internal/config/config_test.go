package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/softcane/canary-pilot/internal/policy"
)

func validConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			Release:             "checkout",
			StepIntervalSeconds: 30,
			MaxSteps:            50,
			InitialWeight:       10,
			SLOLatencyMS:        200,
		},
		Policy: PolicyConfig{
			Mode: "rules",
		},
		Prometheus: PrometheusConfig{
			URL: "http://prometheus:9090",
		},
		Ingress: IngressConfig{
			Namespace: "default",
			Name:      "checkout",
		},
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Controller.Release = ""
	cfg.Policy.Mode = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Controller.Release != "default" {
		t.Fatalf("expected default release, got %q", cfg.Controller.Release)
	}
	if cfg.Policy.Mode != "rules" {
		t.Fatalf("expected default policy mode rules, got %q", cfg.Policy.Mode)
	}
	if cfg.Policy.Thresholds != policy.DefaultRuleThresholds() {
		t.Fatalf("expected default thresholds, got %+v", cfg.Policy.Thresholds)
	}
	if cfg.Prometheus.TimeoutSeconds != 10 {
		t.Fatalf("expected default prometheus timeout, got %d", cfg.Prometheus.TimeoutSeconds)
	}
	if cfg.Actuator.MaxRetries != 3 || cfg.Actuator.AbsentTickLimit != 2 {
		t.Fatalf("expected actuator defaults, got %+v", cfg.Actuator)
	}
	if cfg.Reward.RolloutBonus == 0 {
		t.Fatalf("expected reward defaults to be applied")
	}
	if cfg.Training.MaxSteps != cfg.Controller.MaxSteps {
		t.Fatalf("expected training maxSteps to inherit controller maxSteps, got %d", cfg.Training.MaxSteps)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero interval", func(c *Config) { c.Controller.StepIntervalSeconds = 0 }, "stepIntervalSeconds"},
		{"zero max steps", func(c *Config) { c.Controller.MaxSteps = 0 }, "maxSteps"},
		{"negative weight", func(c *Config) { c.Controller.InitialWeight = -1 }, "initialWeight"},
		{"weight above full", func(c *Config) { c.Controller.InitialWeight = 101 }, "initialWeight"},
		{"zero slo", func(c *Config) { c.Controller.SLOLatencyMS = 0 }, "sloLatencyMS"},
		{"unknown policy mode", func(c *Config) { c.Policy.Mode = "magic" }, "policy.mode"},
		{"q without artifact", func(c *Config) { c.Policy.Mode = "q" }, "artifactPath"},
		{"onnx without model", func(c *Config) { c.Policy.Mode = "onnx" }, "modelPath"},
		{"missing prometheus url", func(c *Config) { c.Prometheus.URL = "" }, "prometheus.url"},
		{"missing ingress namespace", func(c *Config) { c.Ingress.Namespace = "" }, "ingress.namespace"},
		{"missing ingress name", func(c *Config) { c.Ingress.Name = "" }, "ingress.name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")

	content := `
controller:
  release: "checkout"
  stepIntervalSeconds: 30
  maxSteps: 50
  initialWeight: 10
  sloLatencyMS: 200
policy:
  mode: "q"
  artifactPath: "artifacts/qtable.json"
prometheus:
  url: "http://prometheus:9090"
  timeoutSeconds: 5
ingress:
  namespace: "default"
  name: "checkout"
actuator:
  maxRetries: 5
  retryBackoffMS: 250
training:
  episodes: 100
  seed: 42
  mix:
    healthy: 0.7
    buggy: 0.3
history:
  path: "canary.db"
metrics:
  listenAddr: ":9105"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.Mode != "q" || cfg.Policy.ArtifactPath != "artifacts/qtable.json" {
		t.Fatalf("unexpected policy config: %+v", cfg.Policy)
	}
	if cfg.Actuator.MaxRetries != 5 {
		t.Fatalf("expected maxRetries 5, got %d", cfg.Actuator.MaxRetries)
	}
	if got := cfg.Actuator.RetryBackoff().Milliseconds(); got != 250 {
		t.Fatalf("expected 250ms backoff, got %dms", got)
	}
	if cfg.Training.Mix["healthy"] != 0.7 {
		t.Fatalf("unexpected training mix: %+v", cfg.Training.Mix)
	}
	if cfg.History.Path != "canary.db" {
		t.Fatalf("unexpected history path: %q", cfg.History.Path)
	}
	if got := cfg.Controller.StepInterval().Seconds(); got != 30 {
		t.Fatalf("expected 30s interval, got %vs", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("controller: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected parse error")
	}
}
