package train

import (
	"context"
	"fmt"

	"github.com/softcane/canary-pilot/internal/actuator"
	"github.com/softcane/canary-pilot/internal/env"
	"github.com/softcane/canary-pilot/internal/policy"
	"github.com/softcane/canary-pilot/internal/scenario"
)

// ProfileReport aggregates greedy evaluation episodes for one profile.
type ProfileReport struct {
	Profile   scenario.Profile
	Episodes  int
	Outcomes  map[string]int
	AvgReward float64
	AvgSteps  float64
}

// Evaluate plays greedy episodes (no exploration) against every profile
// and reports outcome counts. It is how a trained artifact gets vetted
// before serving live traffic.
func Evaluate(ctx context.Context, pol policy.Policy, cfg Config, episodesPer int) ([]ProfileReport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if episodesPer <= 0 {
		return nil, fmt.Errorf("train: episodesPer must be positive, got %d", episodesPer)
	}

	reports := make([]ProfileReport, 0, len(scenario.Profiles))
	for _, profile := range scenario.Profiles {
		report := ProfileReport{Profile: profile, Outcomes: make(map[string]int)}
		var totalReward, totalSteps float64
		for episode := 0; episode < episodesPer; episode++ {
			outcome, reward, steps, err := evaluateEpisode(ctx, pol, profile, cfg, cfg.Seed+int64(episode))
			if err != nil {
				return nil, err
			}
			report.Episodes++
			report.Outcomes[outcome]++
			totalReward += reward
			totalSteps += float64(steps)
		}
		report.AvgReward = totalReward / float64(report.Episodes)
		report.AvgSteps = totalSteps / float64(report.Episodes)
		reports = append(reports, report)
	}
	return reports, nil
}

func evaluateEpisode(ctx context.Context, pol policy.Policy, profile scenario.Profile, cfg Config, seed int64) (string, float64, int, error) {
	weight := cfg.InitialWeight
	gen, err := scenario.NewGenerator(profile, seed, cfg.MaxSteps, func() int { return weight })
	if err != nil {
		return "", 0, 0, err
	}

	agg := env.NewAggregator(cfg.SLOLatencyMS, cfg.MaxSteps)
	guard := actuator.NewGuard(actuator.DefaultAbsentTickLimit)

	var (
		totalReward    float64
		criticalStreak int
		unhealthySeen  bool
		steps          int
	)
	outcome := "max_steps"
	for step := 0; step < cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", 0, 0, err
		}

		sample, err := gen.Sample(ctx, step)
		if err != nil {
			return "", 0, 0, err
		}
		state := agg.Observe(sample, weight, step)

		decision, err := pol.Decide(state)
		if err != nil {
			return "", 0, 0, err
		}
		applied := decision.Action
		if guard.Observe(state.Absent) {
			applied = env.ActionDown
		}
		weight = actuator.Apply(weight, applied)
		steps++

		if state.ErrorRate > cfg.Reward.CriticalErrorRate {
			criticalStreak++
		} else {
			criticalStreak = 0
		}
		if state.ErrorRate > cfg.Reward.HighErrorRate {
			unhealthySeen = true
		}

		post := state
		post.Weight = weight
		totalReward += cfg.Reward.Step(post, applied, criticalStreak)

		if weight >= 100 {
			outcome = "rollout"
			totalReward += cfg.Reward.Terminal(post, unhealthySeen)
			break
		}
		if weight <= 0 {
			outcome = "rollback"
			totalReward += cfg.Reward.Terminal(post, unhealthySeen)
			break
		}
		if step == cfg.MaxSteps-1 {
			totalReward += cfg.Reward.Terminal(post, unhealthySeen)
		}
	}

	return outcome, totalReward, steps, nil
}
