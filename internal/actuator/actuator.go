// Package actuator turns policy actions into canary weight changes. It
// owns the clamped weight arithmetic, the retrying commit against the
// traffic-split resource, and the absent-telemetry guardrail that can
// override the policy with a forced rollback.
package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/softcane/canary-pilot/internal/env"
	"github.com/softcane/canary-pilot/internal/metrics"
)

// Committer reads and writes the canary weight on the traffic-split
// resource. It is the reader of record for the current weight; the
// actuator never caches weights across steps. Commit must be idempotent:
// committing the weight the resource already carries is a successful
// no-op.
type Committer interface {
	Weight(ctx context.Context) (int, error)
	Commit(ctx context.Context, weight int) error
}

// Apply computes the weight that results from an action, clamped to
// [0,100].
func Apply(current int, a env.Action) int {
	switch a {
	case env.ActionUp:
		current += env.WeightStep
	case env.ActionDown:
		current -= env.WeightStep
	}
	if current < 0 {
		return 0
	}
	if current > 100 {
		return 100
	}
	return current
}

// Config tunes the commit retry behavior and the operator weight bounds.
type Config struct {
	// MaxRetries is the number of commit attempts after the first failure.
	MaxRetries int `yaml:"maxRetries"`

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration `yaml:"retryBackoff"`

	// MinWeight and MaxWeight bound every committed weight. A zero
	// MaxWeight means 100.
	MinWeight int `yaml:"minWeight"`
	MaxWeight int `yaml:"maxWeight"`

	// Frozen suppresses promotions; holds and rollbacks still apply. Set
	// from the runtime override file, not from YAML.
	Frozen bool `yaml:"-"`
}

// DefaultConfig returns the shipped retry settings.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryBackoff: 500 * time.Millisecond, MaxWeight: 100}
}

// Outcome describes one executed step.
type Outcome struct {
	Requested env.Action
	Applied   env.Action
	Forced    bool
	OldWeight int
	NewWeight int
}

// Actuator applies actions through a Committer.
type Actuator struct {
	committer Committer
	guard     *Guard
	logger    *slog.Logger
	cfg       Config
}

// New creates an actuator. A nil guard disables the telemetry guardrail.
func New(committer Committer, guard *Guard, logger *slog.Logger, cfg Config) (*Actuator, error) {
	if committer == nil {
		return nil, fmt.Errorf("actuator: committer is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("actuator: maxRetries must be non-negative, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBackoff <= 0 {
		return nil, fmt.Errorf("actuator: retryBackoff must be positive, got %v", cfg.RetryBackoff)
	}
	if cfg.MaxWeight == 0 {
		cfg.MaxWeight = 100
	}
	if cfg.MinWeight < 0 || cfg.MaxWeight > 100 || cfg.MinWeight > cfg.MaxWeight {
		return nil, fmt.Errorf("actuator: weight bounds [%d,%d] invalid", cfg.MinWeight, cfg.MaxWeight)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Actuator{committer: committer, guard: guard, logger: logger, cfg: cfg}, nil
}

// Execute applies one policy action for the given observed state. The
// guardrail sees the state first and may replace the action with a forced
// rollback; the returned outcome records both the requested and the
// applied action.
func (a *Actuator) Execute(ctx context.Context, action env.Action, state env.State) (Outcome, error) {
	out := Outcome{Requested: action, Applied: action}

	if a.guard != nil && a.guard.Observe(state.Absent) {
		if action != env.ActionDown {
			a.logger.Warn("telemetry guardrail forcing rollback",
				"requested", action.String(),
				"absent_ticks", a.guard.AbsentTicks(),
			)
			metrics.GuardrailForced.Inc()
		}
		out.Applied = env.ActionDown
		out.Forced = true
	}

	if a.cfg.Frozen && out.Applied == env.ActionUp {
		a.logger.Info("promotions frozen, holding instead", "requested", action.String())
		out.Applied = env.ActionHold
	}

	current, err := a.committer.Weight(ctx)
	if err != nil {
		return out, fmt.Errorf("read canary weight: %w", err)
	}
	out.OldWeight = current
	out.NewWeight = a.bound(Apply(current, out.Applied))

	if out.NewWeight == current {
		metrics.ActionTaken.WithLabelValues(out.Applied.String()).Inc()
		return out, nil
	}

	if err := a.commitWithRetry(ctx, out.NewWeight); err != nil {
		metrics.CommitFailures.Inc()
		return out, fmt.Errorf("commit canary weight %d: %w", out.NewWeight, err)
	}

	metrics.ActionTaken.WithLabelValues(out.Applied.String()).Inc()
	a.logger.Info("canary weight updated",
		"action", out.Applied.String(),
		"forced", out.Forced,
		"old_weight", out.OldWeight,
		"new_weight", out.NewWeight,
	)
	return out, nil
}

// bound clamps a weight into the configured [MinWeight, MaxWeight] band.
func (a *Actuator) bound(weight int) int {
	if weight < a.cfg.MinWeight {
		return a.cfg.MinWeight
	}
	if weight > a.cfg.MaxWeight {
		return a.cfg.MaxWeight
	}
	return weight
}

func (a *Actuator) commitWithRetry(ctx context.Context, weight int) error {
	backoff := a.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.CommitRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = a.committer.Commit(ctx, weight)
		if lastErr == nil {
			return nil
		}
		a.logger.Warn("commit attempt failed",
			"attempt", attempt+1,
			"weight", weight,
			"error", lastErr,
		)
	}
	return fmt.Errorf("after %d attempts: %w", a.cfg.MaxRetries+1, lastErr)
}
