// Package metrics provides Prometheus metrics for the canary pilot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CanaryWeight tracks the current canary traffic weight per release.
	CanaryWeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "canarypilot",
			Name:      "canary_weight",
			Help:      "Current canary traffic weight in percent",
		},
		[]string{"release"},
	)

	// ActionTaken counts policy actions executed.
	ActionTaken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canarypilot",
			Name:      "action_taken_total",
			Help:      "Total number of policy actions executed",
		},
		[]string{"action"},
	)

	// DecisionSource counts action recommendations by policy source.
	// source=q|onnx|rules
	DecisionSource = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canarypilot",
			Name:      "decision_source_total",
			Help:      "Total action recommendations grouped by policy source and action",
		},
		[]string{"source", "action"},
	)

	// GuardrailForced counts rollbacks forced by the absent-telemetry guardrail.
	GuardrailForced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canarypilot",
			Name:      "guardrail_forced_total",
			Help:      "Total actions overridden to rollback by the telemetry guardrail",
		},
	)

	// TelemetryAbsent counts decision steps with no usable telemetry.
	TelemetryAbsent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canarypilot",
			Name:      "telemetry_absent_total",
			Help:      "Total decision steps where telemetry was missing or empty",
		},
	)

	// CommitRetries counts weight commit attempts that had to be retried.
	CommitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canarypilot",
			Name:      "commit_retries_total",
			Help:      "Total canary weight commit retries",
		},
	)

	// CommitFailures counts weight commits that exhausted their retries.
	CommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canarypilot",
			Name:      "commit_failures_total",
			Help:      "Total canary weight commits that failed after all retries",
		},
	)

	// ErrorRate tracks the last observed canary error rate per release.
	ErrorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "canarypilot",
			Name:      "error_rate",
			Help:      "Last observed canary error rate (0-1)",
		},
		[]string{"release"},
	)

	// LatencyRatio tracks the last observed latency over SLO per release.
	LatencyRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "canarypilot",
			Name:      "latency_ratio",
			Help:      "Last observed average latency divided by the SLO latency",
		},
		[]string{"release"},
	)

	// EpisodeOutcome counts finished episodes by terminal status.
	EpisodeOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canarypilot",
			Name:      "episode_outcome_total",
			Help:      "Total finished episodes grouped by terminal status",
		},
		[]string{"outcome"},
	)

	// StepDuration tracks the decision loop cycle time.
	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "canarypilot",
			Name:      "step_duration_seconds",
			Help:      "Duration of one observe-decide-act cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	// InferenceLatency tracks policy evaluation duration.
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canarypilot",
			Name:      "inference_latency_seconds",
			Help:      "Latency of policy evaluation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"policy"},
	)

	// TrainingEpisodes counts completed training episodes by scenario.
	TrainingEpisodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canarypilot",
			Name:      "training_episodes_total",
			Help:      "Total completed training episodes grouped by scenario profile",
		},
		[]string{"scenario"},
	)
)
