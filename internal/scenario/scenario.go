// Package scenario provides a deterministic synthetic telemetry generator
// used for offline training and for exercising the control loop without a
// live cluster. Each profile models a canary release archetype and the
// generated samples depend only on (seed, step, weight), so a restarted
// episode replays identically.
package scenario

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/softcane/canary-pilot/internal/env"
)

// Profile names a canary behavior archetype.
type Profile string

const (
	// Healthy is a well-behaved release: error rate stays low at every
	// traffic level.
	Healthy Profile = "healthy"

	// Buggy is a broken release: error rate is elevated at any traffic and
	// rises steeply with load.
	Buggy Profile = "buggy"

	// Degrading starts healthy and decays over time, the classic slow
	// memory leak.
	Degrading Profile = "degrading"

	// Flaky is healthy at baseline with intermittent error spikes under
	// meaningful load.
	Flaky Profile = "flaky"
)

// Profiles lists every supported profile.
var Profiles = []Profile{Healthy, Buggy, Degrading, Flaky}

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	for _, p := range Profiles {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown scenario profile %q (valid: %v)", s, Profiles)
}

// ErrExhausted is returned by Sample once the step budget is spent.
var ErrExhausted = fmt.Errorf("scenario: step budget exhausted")

// Generator implements env.Source with synthetic telemetry. The sample for
// a given step is a pure function of the seed, the step index, and the
// current canary weight; no internal state advances between calls, so
// Reset only matters for bookkeeping.
type Generator struct {
	profile  Profile
	seed     int64
	maxSteps int
	weightFn func() int
}

// NewGenerator builds a generator for one episode. weightFn reports the
// current canary weight; the traffic split shapes both request volume and
// error rates.
func NewGenerator(profile Profile, seed int64, maxSteps int, weightFn func() int) (*Generator, error) {
	if _, err := ParseProfile(string(profile)); err != nil {
		return nil, err
	}
	if maxSteps <= 0 {
		return nil, fmt.Errorf("scenario: maxSteps must be positive, got %d", maxSteps)
	}
	if weightFn == nil {
		return nil, fmt.Errorf("scenario: weightFn is required")
	}
	return &Generator{profile: profile, seed: seed, maxSteps: maxSteps, weightFn: weightFn}, nil
}

// Profile returns the generator's profile.
func (g *Generator) Profile() Profile { return g.profile }

// Reset rearms the generator for a fresh episode under a new seed. Samples
// are pure functions of (seed, step, weight), so this is all a restart needs.
func (g *Generator) Reset(seed int64) {
	g.seed = seed
}

// Sample generates the telemetry for one step. It returns ErrExhausted
// past the step budget; callers are expected to stop at the budget.
func (g *Generator) Sample(_ context.Context, step int) (*env.Sample, error) {
	if step >= g.maxSteps {
		return nil, ErrExhausted
	}

	// One RNG stream per step keeps replays identical regardless of how
	// many times earlier steps were sampled.
	rng := rand.New(rand.NewSource(g.seed + int64(step)*1_000_003))

	traffic := clamp(float64(g.weightFn())/100.0, 0, 1)
	timeFactor := float64(step) / float64(g.maxSteps)

	errRate := g.errorRate(traffic, timeFactor, rng)
	latency := g.latency(traffic, timeFactor, rng)

	requests := int64(math.Round(50 + traffic*1950 + rng.Float64()*40))
	errors := int64(math.Round(float64(requests) * errRate))

	return &env.Sample{
		Requests:     requests,
		Errors:       errors,
		AvgLatencyMS: latency,
	}, nil
}

func (g *Generator) errorRate(traffic, timeFactor float64, rng *rand.Rand) float64 {
	var rate float64
	switch g.profile {
	case Healthy:
		rate = 0.002 + traffic*0.005
	case Buggy:
		rate = 0.025 + traffic*0.025
	case Degrading:
		rate = 0.003 + traffic*0.015*(1+2*timeFactor)
	case Flaky:
		rate = 0.003 + traffic*0.004
		if traffic > 0.3 && rng.Float64() < 0.10 {
			rate = 0.015 + rng.Float64()*0.020
		}
	}
	// Small multiplicative noise so no two steps are byte-identical.
	rate *= 1 + (rng.Float64()-0.5)*0.1
	return clamp(rate, 0, 1)
}

func (g *Generator) latency(traffic, timeFactor float64, rng *rand.Rand) float64 {
	latency := 100 + traffic*80 + (rng.Float64()*20 - 10)
	if g.profile == Degrading {
		latency += timeFactor * 120
	}
	if latency < 1 {
		latency = 1
	}
	return latency
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
