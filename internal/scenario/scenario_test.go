package scenario

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softcane/canary-pilot/internal/env"
)

func fixedWeight(w int) func() int { return func() int { return w } }

func TestParseProfile(t *testing.T) {
	for _, p := range Profiles {
		got, err := ParseProfile(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseProfile("chaotic")
	assert.Error(t, err)
}

func TestNewGeneratorValidation(t *testing.T) {
	_, err := NewGenerator("nope", 1, 50, fixedWeight(10))
	assert.Error(t, err)
	_, err = NewGenerator(Healthy, 1, 0, fixedWeight(10))
	assert.Error(t, err)
	_, err = NewGenerator(Healthy, 1, 50, nil)
	assert.Error(t, err)
}

func TestDeterministicReplay(t *testing.T) {
	ctx := context.Background()
	for _, p := range Profiles {
		g1, err := NewGenerator(p, 42, 50, fixedWeight(50))
		require.NoError(t, err)
		g2, err := NewGenerator(p, 42, 50, fixedWeight(50))
		require.NoError(t, err)

		for step := 0; step < 50; step++ {
			a, err := g1.Sample(ctx, step)
			require.NoError(t, err)
			b, err := g2.Sample(ctx, step)
			require.NoError(t, err)
			assert.Equal(t, a, b, "profile %s step %d diverged", p, step)
		}
	}
}

func TestResetReplaysUnderNewSeed(t *testing.T) {
	ctx := context.Background()
	g, err := NewGenerator(Degrading, 7, 50, fixedWeight(40))
	require.NoError(t, err)
	fresh, err := NewGenerator(Degrading, 13, 50, fixedWeight(40))
	require.NoError(t, err)

	// Burn a few steps, then restart under the new seed.
	for step := 0; step < 5; step++ {
		_, err := g.Sample(ctx, step)
		require.NoError(t, err)
	}
	g.Reset(13)

	for step := 0; step < 50; step++ {
		a, err := g.Sample(ctx, step)
		require.NoError(t, err)
		b, err := fresh.Sample(ctx, step)
		require.NoError(t, err)
		assert.Equal(t, b, a, "step %d diverged after Reset", step)
	}
}

func TestSeedsDiverge(t *testing.T) {
	ctx := context.Background()
	g1, _ := NewGenerator(Flaky, 1, 50, fixedWeight(60))
	g2, _ := NewGenerator(Flaky, 2, 50, fixedWeight(60))

	var differ bool
	for step := 0; step < 50; step++ {
		a, _ := g1.Sample(ctx, step)
		b, _ := g2.Sample(ctx, step)
		if *a != *b {
			differ = true
			break
		}
	}
	assert.True(t, differ, "different seeds should produce different telemetry")
}

func TestStepBudget(t *testing.T) {
	g, _ := NewGenerator(Healthy, 7, 10, fixedWeight(10))
	_, err := g.Sample(context.Background(), 10)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestProfileErrorOrdering(t *testing.T) {
	ctx := context.Background()
	avgRate := func(p Profile, weight int) float64 {
		g, err := NewGenerator(p, 99, 50, fixedWeight(weight))
		require.NoError(t, err)
		var errs, reqs int64
		for step := 0; step < 50; step++ {
			s, err := g.Sample(ctx, step)
			require.NoError(t, err)
			errs += s.Errors
			reqs += s.Requests
		}
		return float64(errs) / float64(reqs)
	}

	healthy := avgRate(Healthy, 50)
	buggy := avgRate(Buggy, 50)
	assert.Less(t, healthy, 0.01, "healthy canary should stay under 1%% errors")
	assert.Greater(t, buggy, 0.025, "buggy canary should exceed the rollback threshold")
	assert.Greater(t, buggy, healthy*3)

	// Degrading gets worse as the episode ages.
	g, _ := NewGenerator(Degrading, 5, 100, fixedWeight(50))
	early, _ := g.Sample(ctx, 2)
	late, _ := g.Sample(ctx, 95)
	earlyRate := float64(early.Errors) / float64(early.Requests)
	lateRate := float64(late.Errors) / float64(late.Requests)
	assert.Greater(t, lateRate, earlyRate)
	assert.Greater(t, late.AvgLatencyMS, early.AvgLatencyMS)
}

func TestSamplesAreWellFormed(t *testing.T) {
	ctx := context.Background()
	agg := env.NewAggregator(200, 50)
	for _, p := range Profiles {
		g, _ := NewGenerator(p, 11, 50, fixedWeight(80))
		for step := 0; step < 50; step++ {
			s, err := g.Sample(ctx, step)
			require.NoError(t, err)
			assert.Positive(t, s.Requests)
			assert.GreaterOrEqual(t, s.Errors, int64(0))
			assert.LessOrEqual(t, s.Errors, s.Requests)
			assert.Positive(t, s.AvgLatencyMS)

			st := agg.Observe(s, 80, step)
			assert.False(t, st.Absent)
		}
	}
}
