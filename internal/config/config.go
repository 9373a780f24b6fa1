// Package config provides configuration loading for the canary pilot.
// All config values are loaded from file - NO hardcoded defaults beyond
// the documented optional fallbacks.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/softcane/canary-pilot/internal/env"
	"github.com/softcane/canary-pilot/internal/policy"
)

// Config holds all canary pilot configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Policy     PolicyConfig     `yaml:"policy"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Ingress    IngressConfig    `yaml:"ingress"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
	Reward     env.RewardConfig `yaml:"reward"`
	Training   TrainingConfig   `yaml:"training"`
	History    HistoryConfig    `yaml:"history"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ControllerConfig configures the episode control loop.
type ControllerConfig struct {
	// Release names the rollout being steered; used as a metric label
	// and recorded with episode history.
	Release string `yaml:"release"`

	// StepIntervalSeconds is the wall-clock spacing between control ticks.
	StepIntervalSeconds int `yaml:"stepIntervalSeconds"`

	// MaxSteps bounds the episode length.
	MaxSteps int `yaml:"maxSteps"`

	// InitialWeight is the canary weight committed before the first tick.
	InitialWeight int `yaml:"initialWeight"`

	// SLOLatencyMS is the latency objective used to normalize observed
	// latency into a ratio.
	SLOLatencyMS float64 `yaml:"sloLatencyMS"`

	// ResetHookURL is POSTed to before an episode starts so the service
	// under test can clear metrics left over from a previous rollback.
	// Best effort; empty disables the hook.
	ResetHookURL string `yaml:"resetHookURL"`
}

// PolicyConfig selects and configures the decision policy.
type PolicyConfig struct {
	// Mode selects the policy: "q", "onnx", or "rules".
	Mode string `yaml:"mode"`

	// ArtifactPath is the trained Q-table artifact, required for mode "q".
	ArtifactPath string `yaml:"artifactPath"`

	// ModelPath is the ONNX model file, required for mode "onnx".
	ModelPath string `yaml:"modelPath"`

	// PromoteRulePath and RollbackRulePath optionally override the
	// built-in threshold rules with expression files.
	PromoteRulePath  string `yaml:"promoteRulePath"`
	RollbackRulePath string `yaml:"rollbackRulePath"`

	Thresholds policy.RuleThresholds `yaml:"thresholds"`
}

// PrometheusConfig configures the telemetry client.
type PrometheusConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// IngressConfig names the ingress whose canary weight is actuated.
type IngressConfig struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

// ActuatorConfig configures weight commits and the telemetry guardrail.
type ActuatorConfig struct {
	MaxRetries     int `yaml:"maxRetries"`
	RetryBackoffMS int `yaml:"retryBackoffMS"`

	// AbsentTickLimit is the number of consecutive absent-telemetry
	// ticks tolerated before the guardrail forces a rollback step.
	AbsentTickLimit int `yaml:"absentTickLimit"`
}

// TrainingConfig configures offline Q-learning.
type TrainingConfig struct {
	Episodes int                `yaml:"episodes"`
	MaxSteps int                `yaml:"maxSteps"`
	Seed     int64              `yaml:"seed"`
	Workers  int                `yaml:"workers"`
	Mix      map[string]float64 `yaml:"mix"`
	Q        policy.QConfig     `yaml:"q"`
}

// HistoryConfig configures the episode history store.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables history.
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	// ListenAddr is the bind address for /metrics. Empty disables the
	// endpoint.
	ListenAddr string `yaml:"listenAddr"`
}

// Load reads configuration from a YAML file.
// Returns an error if file is missing or invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and applies defaults for optional ones.
func (c *Config) Validate() error {
	// Controller validation
	if c.Controller.Release == "" {
		c.Controller.Release = "default"
	}
	if c.Controller.StepIntervalSeconds < 1 {
		return fmt.Errorf("controller.stepIntervalSeconds must be >= 1")
	}
	if c.Controller.MaxSteps <= 0 {
		return fmt.Errorf("controller.maxSteps must be positive")
	}
	if c.Controller.InitialWeight < 0 || c.Controller.InitialWeight > 100 {
		return fmt.Errorf("controller.initialWeight must be between 0 and 100")
	}
	if c.Controller.SLOLatencyMS <= 0 {
		return fmt.Errorf("controller.sloLatencyMS must be positive")
	}

	// Policy validation
	switch c.Policy.Mode {
	case "q":
		if c.Policy.ArtifactPath == "" {
			return fmt.Errorf("policy.artifactPath is required for mode q")
		}
	case "onnx":
		if c.Policy.ModelPath == "" {
			return fmt.Errorf("policy.modelPath is required for mode onnx")
		}
	case "rules":
	case "":
		c.Policy.Mode = "rules"
	default:
		return fmt.Errorf("policy.mode must be one of q, onnx, rules; got %q", c.Policy.Mode)
	}
	if c.Policy.Thresholds == (policy.RuleThresholds{}) {
		c.Policy.Thresholds = policy.DefaultRuleThresholds()
	}

	// Prometheus validation
	if c.Prometheus.URL == "" {
		return fmt.Errorf("prometheus.url is required")
	}
	if c.Prometheus.TimeoutSeconds <= 0 {
		c.Prometheus.TimeoutSeconds = 10
	}

	// Ingress validation
	if c.Ingress.Namespace == "" {
		return fmt.Errorf("ingress.namespace is required")
	}
	if c.Ingress.Name == "" {
		return fmt.Errorf("ingress.name is required")
	}

	// Actuator defaults
	if c.Actuator.MaxRetries <= 0 {
		c.Actuator.MaxRetries = 3
	}
	if c.Actuator.RetryBackoffMS <= 0 {
		c.Actuator.RetryBackoffMS = 500
	}
	if c.Actuator.AbsentTickLimit <= 0 {
		c.Actuator.AbsentTickLimit = 2
	}

	// Reward defaults: a zero-valued section means use defaults.
	if c.Reward == (env.RewardConfig{}) {
		c.Reward = env.DefaultRewardConfig()
	}

	// Training defaults
	if c.Training.Episodes <= 0 {
		c.Training.Episodes = 5000
	}
	if c.Training.MaxSteps <= 0 {
		c.Training.MaxSteps = c.Controller.MaxSteps
	}
	if c.Training.Workers <= 0 {
		c.Training.Workers = 4
	}
	if c.Training.Q == (policy.QConfig{}) {
		c.Training.Q = policy.DefaultQConfig()
	}
	if err := c.Training.Q.Validate(); err != nil {
		return fmt.Errorf("training.q: %w", err)
	}

	return nil
}

// StepInterval returns the step interval as a duration.
func (c *ControllerConfig) StepInterval() time.Duration {
	return time.Duration(c.StepIntervalSeconds) * time.Second
}

// Timeout returns the Prometheus query timeout as a duration.
func (c *PrometheusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the commit retry backoff as a duration.
func (c *ActuatorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}
