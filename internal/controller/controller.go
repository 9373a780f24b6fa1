// Package controller runs canary rollout episodes: observe telemetry,
// evaluate the policy, actuate the traffic split, repeat until the canary
// is fully rolled out, fully rolled back, out of steps, or the run is
// cancelled.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/softcane/canary-pilot/internal/actuator"
	"github.com/softcane/canary-pilot/internal/env"
	"github.com/softcane/canary-pilot/internal/metrics"
	"github.com/softcane/canary-pilot/internal/policy"
)

// Phase is the episode lifecycle state. Terminal phases are absorbing: a
// finished episode never changes its outcome.
type Phase string

const (
	PhaseInit              Phase = "INIT"
	PhaseRunning           Phase = "RUNNING"
	PhaseCompletedRollout  Phase = "COMPLETED_ROLLOUT"
	PhaseCompletedRollback Phase = "COMPLETED_ROLLBACK"
	PhaseCompletedMaxSteps Phase = "COMPLETED_MAX_STEPS"
	PhaseAborted           Phase = "ABORTED"
)

// Terminal reports whether the phase is absorbing.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompletedRollout, PhaseCompletedRollback, PhaseCompletedMaxSteps, PhaseAborted:
		return true
	}
	return false
}

// StepRecord captures one executed decision step.
type StepRecord struct {
	Step      int
	State     env.State
	Requested env.Action
	Applied   env.Action
	Forced    bool
	Weight    int
	Reward    float64
}

// Result summarizes a finished episode.
type Result struct {
	ID          uuid.UUID
	Release     string
	Outcome     Phase
	Steps       int
	FinalWeight int
	TotalReward float64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Recorder persists episode outcomes. Recording is best effort; a failing
// recorder never interrupts an episode.
type Recorder interface {
	RecordEpisode(ctx context.Context, result Result) error
	RecordStep(ctx context.Context, episodeID uuid.UUID, rec StepRecord) error
}

// Config holds controller configuration. All components are required
// unless noted; New validates everything up front.
type Config struct {
	Source     env.Source
	Policy     policy.Policy
	Actuator   *actuator.Actuator
	Committer  actuator.Committer
	Aggregator *env.Aggregator
	Logger     *slog.Logger

	// Release labels metrics and persisted history.
	Release string

	// PolicySource labels decisions: q, onnx or rules.
	PolicySource string

	// Interval is the wall-clock spacing between decision steps. Zero
	// disables the wait, used by training and simulation.
	Interval time.Duration

	MaxSteps      int
	InitialWeight int

	Reward env.RewardConfig

	// Recorder is optional.
	Recorder Recorder
}

// Controller drives one episode at a time.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	phase  Phase
	step   int
	weight int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a controller. Every configuration problem is reported here,
// before any traffic is touched.
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("controller: telemetry source is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("controller: policy is required")
	}
	if cfg.Actuator == nil {
		return nil, fmt.Errorf("controller: actuator is required")
	}
	if cfg.Committer == nil {
		return nil, fmt.Errorf("controller: committer is required")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("controller: aggregator is required")
	}
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("controller: maxSteps must be positive, got %d", cfg.MaxSteps)
	}
	if cfg.InitialWeight < 0 || cfg.InitialWeight > 100 {
		return nil, fmt.Errorf("controller: initialWeight must be in [0,100], got %d", cfg.InitialWeight)
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("controller: interval must be non-negative, got %v", cfg.Interval)
	}
	if cfg.Release == "" {
		cfg.Release = "default"
	}
	if cfg.PolicySource == "" {
		cfg.PolicySource = "q"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		cfg:    cfg,
		logger: logger,
		phase:  PhaseInit,
		stopCh: make(chan struct{}),
	}, nil
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Status returns the current phase, step and weight for reporting.
func (c *Controller) Status() (Phase, int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase, c.step, c.weight
}

// Stop requests a graceful abort. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// ErrStopped is returned by Run when Stop aborted the episode.
var ErrStopped = errors.New("controller stopped")

// Run executes one full episode and returns its result. Cancelling ctx or
// calling Stop aborts the episode; the canary weight is left as last
// committed.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	result := Result{
		ID:        uuid.New(),
		Release:   c.cfg.Release,
		StartedAt: time.Now(),
	}

	c.mu.Lock()
	if c.phase.Terminal() || c.phase == PhaseRunning {
		phase := c.phase
		c.mu.Unlock()
		return result, fmt.Errorf("controller: cannot start episode from phase %s", phase)
	}
	c.mu.Unlock()

	c.logger.Info("episode starting",
		"episode_id", result.ID,
		"release", c.cfg.Release,
		"policy", c.cfg.PolicySource,
		"initial_weight", c.cfg.InitialWeight,
		"max_steps", c.cfg.MaxSteps,
		"interval", c.cfg.Interval,
	)

	if err := c.cfg.Committer.Commit(ctx, c.cfg.InitialWeight); err != nil {
		c.finish(&result, PhaseAborted, 0, 0)
		return result, fmt.Errorf("commit initial weight: %w", err)
	}
	c.setPhase(PhaseRunning, 0, c.cfg.InitialWeight)

	var (
		totalReward    float64
		criticalStreak int
		unhealthySeen  bool
		lastState      env.State
		weight         = c.cfg.InitialWeight
	)

	for step := 0; step < c.cfg.MaxSteps; step++ {
		if step > 0 && c.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				c.finish(&result, PhaseAborted, step, weight)
				return result, ctx.Err()
			case <-c.stopCh:
				c.finish(&result, PhaseAborted, step, weight)
				return result, ErrStopped
			case <-time.After(c.cfg.Interval):
			}
		}
		select {
		case <-ctx.Done():
			c.finish(&result, PhaseAborted, step, weight)
			return result, ctx.Err()
		case <-c.stopCh:
			c.finish(&result, PhaseAborted, step, weight)
			return result, ErrStopped
		default:
		}

		stepStart := time.Now()

		sample, err := c.cfg.Source.Sample(ctx, step)
		if err != nil {
			c.finish(&result, PhaseAborted, step, weight)
			return result, fmt.Errorf("sample telemetry at step %d: %w", step, err)
		}

		weight, err = c.cfg.Committer.Weight(ctx)
		if err != nil {
			c.finish(&result, PhaseAborted, step, weight)
			return result, fmt.Errorf("read canary weight at step %d: %w", step, err)
		}

		state := c.cfg.Aggregator.Observe(sample, weight, step)
		lastState = state
		c.publishState(state)

		decisionStart := time.Now()
		decision, err := c.cfg.Policy.Decide(state)
		if err != nil {
			c.finish(&result, PhaseAborted, step, weight)
			return result, fmt.Errorf("policy decision at step %d: %w", step, err)
		}
		metrics.InferenceLatency.WithLabelValues(c.cfg.PolicySource).Observe(time.Since(decisionStart).Seconds())
		metrics.DecisionSource.WithLabelValues(c.cfg.PolicySource, decision.Action.String()).Inc()

		outcome, err := c.cfg.Actuator.Execute(ctx, decision.Action, state)
		if err != nil {
			c.finish(&result, PhaseAborted, step, weight)
			return result, fmt.Errorf("actuate at step %d: %w", step, err)
		}
		weight = outcome.NewWeight

		if state.ErrorRate > c.cfg.Reward.CriticalErrorRate {
			criticalStreak++
		} else {
			criticalStreak = 0
		}
		if state.ErrorRate > c.cfg.Reward.HighErrorRate {
			unhealthySeen = true
		}

		postState := state
		postState.Weight = weight
		reward := c.cfg.Reward.Step(postState, outcome.Applied, criticalStreak)
		totalReward += reward

		c.setPhase(PhaseRunning, step+1, weight)
		c.recordStep(ctx, result.ID, StepRecord{
			Step:      step,
			State:     state,
			Requested: outcome.Requested,
			Applied:   outcome.Applied,
			Forced:    outcome.Forced,
			Weight:    weight,
			Reward:    reward,
		})
		metrics.StepDuration.Observe(time.Since(stepStart).Seconds())

		c.logger.Info("step complete",
			"step", step,
			"error_rate", state.ErrorRate,
			"latency_ratio", state.LatencyRatio,
			"absent", state.Absent,
			"action", outcome.Applied.String(),
			"forced", outcome.Forced,
			"weight", weight,
			"reward", reward,
		)

		if weight >= 100 {
			totalReward += c.cfg.Reward.Terminal(postState, unhealthySeen)
			result.TotalReward = totalReward
			c.finish(&result, PhaseCompletedRollout, step+1, weight)
			return result, nil
		}
		if weight <= 0 {
			totalReward += c.cfg.Reward.Terminal(postState, unhealthySeen)
			result.TotalReward = totalReward
			c.finish(&result, PhaseCompletedRollback, step+1, weight)
			return result, nil
		}
		if criticalStreak > 1 {
			// Two consecutive samples above the critical threshold: pull
			// the canary to zero immediately instead of stepping down.
			c.logger.Warn("critical error rate sustained, rolling back to zero",
				"step", step,
				"error_rate", state.ErrorRate,
				"weight", weight,
			)
			if err := c.cfg.Committer.Commit(ctx, 0); err != nil {
				c.finish(&result, PhaseAborted, step+1, weight)
				return result, fmt.Errorf("critical rollback at step %d: %w", step, err)
			}
			weight = 0
			postState.Weight = 0
			totalReward += c.cfg.Reward.Terminal(postState, unhealthySeen)
			result.TotalReward = totalReward
			c.finish(&result, PhaseCompletedRollback, step+1, weight)
			return result, nil
		}
	}

	totalReward += c.cfg.Reward.Terminal(lastState, unhealthySeen)
	result.TotalReward = totalReward
	c.finish(&result, PhaseCompletedMaxSteps, c.cfg.MaxSteps, weight)
	return result, nil
}

func (c *Controller) setPhase(p Phase, step, weight int) {
	c.mu.Lock()
	c.phase = p
	c.step = step
	c.weight = weight
	c.mu.Unlock()
}

func (c *Controller) publishState(state env.State) {
	metrics.CanaryWeight.WithLabelValues(c.cfg.Release).Set(float64(state.Weight))
	metrics.ErrorRate.WithLabelValues(c.cfg.Release).Set(state.ErrorRate)
	metrics.LatencyRatio.WithLabelValues(c.cfg.Release).Set(state.LatencyRatio)
}

func (c *Controller) finish(result *Result, outcome Phase, steps, weight int) {
	result.Outcome = outcome
	result.Steps = steps
	result.FinalWeight = weight
	result.FinishedAt = time.Now()
	c.setPhase(outcome, steps, weight)
	metrics.EpisodeOutcome.WithLabelValues(string(outcome)).Inc()

	c.logger.Info("episode finished",
		"episode_id", result.ID,
		"outcome", string(outcome),
		"steps", steps,
		"final_weight", weight,
		"total_reward", result.TotalReward,
	)

	if c.cfg.Recorder != nil {
		// Recording must survive a cancelled run context.
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.cfg.Recorder.RecordEpisode(recordCtx, *result); err != nil {
			c.logger.Warn("episode history write failed", "error", err)
		}
	}
}

func (c *Controller) recordStep(ctx context.Context, id uuid.UUID, rec StepRecord) {
	if c.cfg.Recorder == nil {
		return
	}
	if err := c.cfg.Recorder.RecordStep(ctx, id, rec); err != nil {
		c.logger.Warn("step history write failed", "step", rec.Step, "error", err)
	}
}
