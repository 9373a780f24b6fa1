// Package train runs offline Q-learning against the scenario simulator.
// Episodes roll out in parallel workers; table updates are serialized
// through the policy so readers always see a consistent snapshot.
package train

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/softcane/canary-pilot/internal/actuator"
	"github.com/softcane/canary-pilot/internal/env"
	"github.com/softcane/canary-pilot/internal/metrics"
	"github.com/softcane/canary-pilot/internal/policy"
	"github.com/softcane/canary-pilot/internal/scenario"
)

// Mix assigns a sampling weight to each scenario profile. Episodes draw
// their profile from this distribution.
type Mix map[scenario.Profile]float64

// DefaultMix is biased toward well-behaved releases, matching what a
// production fleet actually looks like, with enough broken ones that the
// policy learns to roll back.
func DefaultMix() Mix {
	return Mix{
		scenario.Healthy:   0.60,
		scenario.Degrading: 0.20,
		scenario.Flaky:     0.15,
		scenario.Buggy:     0.05,
	}
}

func (m Mix) validate() error {
	if len(m) == 0 {
		return fmt.Errorf("train: scenario mix is empty")
	}
	total := 0.0
	for p, w := range m {
		if _, err := scenario.ParseProfile(string(p)); err != nil {
			return fmt.Errorf("train: %w", err)
		}
		if w <= 0 {
			return fmt.Errorf("train: mix weight for %s must be positive, got %v", p, w)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("train: mix weights sum to %v", total)
	}
	return nil
}

// pick draws a profile deterministically from rng.
func (m Mix) pick(rng *rand.Rand) scenario.Profile {
	profiles := make([]scenario.Profile, 0, len(m))
	for p := range m {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i] < profiles[j] })

	total := 0.0
	for _, p := range profiles {
		total += m[p]
	}
	r := rng.Float64() * total
	for _, p := range profiles {
		r -= m[p]
		if r <= 0 {
			return p
		}
	}
	return profiles[len(profiles)-1]
}

// Config holds training parameters.
type Config struct {
	Episodes      int     `yaml:"episodes"`
	MaxSteps      int     `yaml:"maxSteps"`
	InitialWeight int     `yaml:"initialWeight"`
	SLOLatencyMS  float64 `yaml:"sloLatencyMS"`
	Seed          int64   `yaml:"seed"`
	Workers       int     `yaml:"workers"`

	Mix    Mix              `yaml:"mix"`
	Reward env.RewardConfig `yaml:"reward"`
	Q      policy.QConfig   `yaml:"q"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) validate() error {
	if c.Episodes <= 0 {
		return fmt.Errorf("train: episodes must be positive, got %d", c.Episodes)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("train: maxSteps must be positive, got %d", c.MaxSteps)
	}
	if c.InitialWeight < 0 || c.InitialWeight > 100 {
		return fmt.Errorf("train: initialWeight must be in [0,100], got %d", c.InitialWeight)
	}
	if c.SLOLatencyMS <= 0 {
		return fmt.Errorf("train: sloLatencyMS must be positive, got %v", c.SLOLatencyMS)
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Mix == nil {
		c.Mix = DefaultMix()
	}
	return c.Mix.validate()
}

// Summary reports a finished training run.
type Summary struct {
	Episodes     int
	Outcomes     map[string]int
	AvgReward    float64
	FinalEpsilon float64
	States       int
}

// Train runs the configured number of episodes and returns the trained
// policy. A non-finite value anywhere in an update is fatal: a diverged
// table must never be published or saved.
func Train(ctx context.Context, cfg Config) (*policy.QPolicy, Summary, error) {
	if err := cfg.validate(); err != nil {
		return nil, Summary{}, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p, err := policy.NewQPolicy(cfg.Q)
	if err != nil {
		return nil, Summary{}, err
	}

	logger.Info("training starting",
		"episodes", cfg.Episodes,
		"max_steps", cfg.MaxSteps,
		"workers", cfg.Workers,
		"seed", cfg.Seed,
	)

	type episodeResult struct {
		batch   []env.Transition
		outcome string
		reward  float64
		profile scenario.Profile
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	results := make(chan episodeResult)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for episode := range jobs {
				seedRNG := rand.New(rand.NewSource(cfg.Seed + int64(episode)))
				profile := cfg.Mix.pick(seedRNG)

				batch, outcome, reward, err := rollout(ctx, p, profile, cfg, cfg.Seed+int64(episode))
				if err != nil {
					logger.Error("episode rollout failed", "episode", episode, "error", err)
					cancel()
					return
				}
				select {
				case results <- episodeResult{batch, outcome, reward, profile}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for episode := 0; episode < cfg.Episodes; episode++ {
			select {
			case jobs <- episode:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	summary := Summary{Outcomes: make(map[string]int)}
	var totalReward float64
	for res := range results {
		if err := p.Update(res.batch); err != nil {
			cancel()
			for range results {
				// Drain so workers can exit.
			}
			return nil, Summary{}, fmt.Errorf("training diverged: %w", err)
		}
		summary.Episodes++
		summary.Outcomes[res.outcome]++
		totalReward += res.reward
		metrics.TrainingEpisodes.WithLabelValues(string(res.profile)).Inc()

		if summary.Episodes%500 == 0 {
			logger.Info("training progress",
				"episodes", summary.Episodes,
				"epsilon", p.Epsilon(),
				"states", p.States(),
				"avg_reward", totalReward/float64(summary.Episodes),
			)
		}
	}

	if err := ctx.Err(); err != nil && summary.Episodes < cfg.Episodes {
		return nil, Summary{}, fmt.Errorf("training interrupted after %d episodes: %w", summary.Episodes, err)
	}

	if summary.Episodes > 0 {
		summary.AvgReward = totalReward / float64(summary.Episodes)
	}
	summary.FinalEpsilon = p.Epsilon()
	summary.States = p.States()

	logger.Info("training finished",
		"episodes", summary.Episodes,
		"avg_reward", summary.AvgReward,
		"epsilon", summary.FinalEpsilon,
		"states", summary.States,
	)
	return p, summary, nil
}

// rollout plays one episode with epsilon-greedy exploration and returns
// its transition batch.
func rollout(ctx context.Context, p *policy.QPolicy, profile scenario.Profile, cfg Config, seed int64) ([]env.Transition, string, float64, error) {
	weight := cfg.InitialWeight
	gen, err := scenario.NewGenerator(profile, seed, cfg.MaxSteps, func() int { return weight })
	if err != nil {
		return nil, "", 0, err
	}

	agg := env.NewAggregator(cfg.SLOLatencyMS, cfg.MaxSteps)
	guard := actuator.NewGuard(actuator.DefaultAbsentTickLimit)
	rng := rand.New(rand.NewSource(seed*31 + 7))

	var (
		batch          []env.Transition
		pending        *env.Transition
		totalReward    float64
		criticalStreak int
		unhealthySeen  bool
	)

	outcome := "max_steps"
	for step := 0; step < cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, "", 0, err
		}

		sample, err := gen.Sample(ctx, step)
		if err != nil {
			return nil, "", 0, err
		}
		state := agg.Observe(sample, weight, step)

		if pending != nil {
			pending.Next = state
			batch = append(batch, *pending)
			pending = nil
		}

		decision := p.Explore(rng, state)
		applied := decision.Action
		if guard.Observe(state.Absent) {
			applied = env.ActionDown
		}
		weight = actuator.Apply(weight, applied)

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
		reward := cfg.Reward.Step(post, applied, criticalStreak)

		// A sustained critical error rate ends the simulated episode early.
		critical := criticalStreak > 1
		terminal := weight >= 100 || weight <= 0 || step == cfg.MaxSteps-1 || critical
		if terminal {
			reward += cfg.Reward.Terminal(post, unhealthySeen)
			switch {
			case weight >= 100:
				outcome = "rollout"
			case weight <= 0:
				outcome = "rollback"
			case critical:
				outcome = "critical"
			}
		}
		totalReward += reward

		tr := env.Transition{State: state, Action: applied, Reward: reward, Terminal: terminal}
		if terminal {
			batch = append(batch, tr)
			break
		}
		pending = &tr
	}

	return batch, outcome, totalReward, nil
}
