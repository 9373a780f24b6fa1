package env

import "math"

// RewardConfig holds the shaping constants for the training signal. The
// defaults reproduce a shape that rewards steady, safe progress toward a
// full rollout and punishes promoting traffic into an unhealthy canary.
type RewardConfig struct {
	// ProgressScale multiplies (weight/100)^1.5, rewarding traffic shifted
	// to a healthy canary superlinearly.
	ProgressScale float64 `yaml:"progressScale"`

	// ErrorPenalty multiplies the raw error rate each step.
	ErrorPenalty float64 `yaml:"errorPenalty"`

	// LatencyPenalty multiplies the latency ratio excess above 1.0.
	LatencyPenalty float64 `yaml:"latencyPenalty"`

	// UnsafeUpPenalty applies when the policy promotes while the error
	// rate is above HighErrorRate.
	UnsafeUpPenalty float64 `yaml:"unsafeUpPenalty"`

	// SafeUpBonus applies when the policy promotes while the error rate
	// is below SafeErrorRate. It outweighs the error and latency
	// penalties an in-budget canary can accrue, so promoting a healthy
	// canary always pays.
	SafeUpBonus float64 `yaml:"safeUpBonus"`

	// RollbackBonus applies when the policy reduces traffic while the
	// error rate is above HighErrorRate.
	RollbackBonus float64 `yaml:"rollbackBonus"`

	// NeedlessRollbackPenalty applies when the policy reduces traffic
	// while the error rate is below SafeErrorRate.
	NeedlessRollbackPenalty float64 `yaml:"needlessRollbackPenalty"`

	// CriticalPenalty applies on every step after the error rate has been
	// above CriticalErrorRate for more than one consecutive step.
	CriticalPenalty float64 `yaml:"criticalPenalty"`

	// RolloutBonus is the terminal bonus for reaching 100% weight healthy.
	RolloutBonus float64 `yaml:"rolloutBonus"`

	// RollbackTerminalBonus is the terminal bonus for reaching 0% weight
	// while the canary was genuinely unhealthy.
	RollbackTerminalBonus float64 `yaml:"rollbackTerminalBonus"`

	SafeErrorRate     float64 `yaml:"safeErrorRate"`
	HighErrorRate     float64 `yaml:"highErrorRate"`
	CriticalErrorRate float64 `yaml:"criticalErrorRate"`
}

// DefaultRewardConfig returns the shipped shaping constants.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		ProgressScale:           3.0,
		ErrorPenalty:            15.0,
		LatencyPenalty:          10.0,
		UnsafeUpPenalty:         5.0,
		SafeUpBonus:             0.5,
		RollbackBonus:           2.0,
		NeedlessRollbackPenalty: 1.5,
		CriticalPenalty:         10.0,
		RolloutBonus:            50.0,
		RollbackTerminalBonus:   20.0,
		SafeErrorRate:           0.015,
		HighErrorRate:           0.025,
		CriticalErrorRate:       0.04,
	}
}

// Step computes the per-step reward for taking action a and landing in
// state s. criticalStreak is the number of consecutive steps, including
// this one, with the error rate above CriticalErrorRate.
func (c RewardConfig) Step(s State, a Action, criticalStreak int) float64 {
	r := c.ProgressScale * math.Pow(float64(s.Weight)/100.0, 1.5)
	r -= c.ErrorPenalty * s.ErrorRate

	if s.LatencyRatio > 1.0 {
		r -= c.LatencyPenalty * (s.LatencyRatio - 1.0)
	}

	switch a {
	case ActionUp:
		if s.ErrorRate > c.HighErrorRate {
			r -= c.UnsafeUpPenalty
		} else if s.ErrorRate < c.SafeErrorRate {
			r += c.SafeUpBonus
		}
	case ActionDown:
		if s.ErrorRate > c.HighErrorRate {
			r += c.RollbackBonus
		} else if s.ErrorRate < c.SafeErrorRate {
			r -= c.NeedlessRollbackPenalty
		}
	}

	if criticalStreak > 1 {
		r -= c.CriticalPenalty
	}
	return r
}

// Terminal computes the episode-end bonus for the final state. unhealthy
// reports whether the canary had crossed HighErrorRate at any point before
// the rollback completed.
func (c RewardConfig) Terminal(s State, unhealthy bool) float64 {
	switch {
	case s.Weight >= 100 && s.ErrorRate < c.SafeErrorRate && s.LatencyRatio <= 1.0:
		return c.RolloutBonus
	case s.Weight <= 0 && unhealthy:
		return c.RollbackTerminalBonus
	default:
		return 0
	}
}
