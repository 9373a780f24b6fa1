package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softcane/canary-pilot/internal/env"
)

func TestRulePolicyDecisions(t *testing.T) {
	p, err := NewRulePolicy(DefaultRuleThresholds())
	require.NoError(t, err)

	tests := []struct {
		name  string
		state env.State
		want  env.Action
	}{
		{
			name:  "healthy promotes",
			state: env.State{ErrorRate: 0.005, LatencyRatio: 0.6, Weight: 30},
			want:  env.ActionUp,
		},
		{
			name:  "elevated errors roll back",
			state: env.State{ErrorRate: 0.04, LatencyRatio: 0.6, Weight: 30},
			want:  env.ActionDown,
		},
		{
			name:  "marginal errors hold",
			state: env.State{ErrorRate: 0.02, LatencyRatio: 0.6, Weight: 30},
			want:  env.ActionHold,
		},
		{
			name:  "slow but healthy holds",
			state: env.State{ErrorRate: 0.005, LatencyRatio: 1.4, Weight: 30},
			want:  env.ActionHold,
		},
		{
			name:  "absent telemetry rolls back",
			state: env.State{ErrorRate: 1.0, LatencyRatio: env.LatencyRatioCeiling, Weight: 30, Absent: true},
			want:  env.ActionDown,
		},
		{
			name:  "full weight never promotes further",
			state: env.State{ErrorRate: 0.005, LatencyRatio: 0.6, Weight: 100},
			want:  env.ActionHold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := p.Decide(tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Action)
		})
	}
}

func TestNewRulePolicyValidation(t *testing.T) {
	_, err := NewRulePolicy(RuleThresholds{PromoteErrorRate: 0.03, RollbackErrorRate: 0.02, MaxLatencyRatio: 1})
	assert.Error(t, err)
	_, err = NewRulePolicy(RuleThresholds{PromoteErrorRate: 0.01, RollbackErrorRate: 0.02, MaxLatencyRatio: 0})
	assert.Error(t, err)
}

func TestRuleExpressionOverrides(t *testing.T) {
	dir := t.TempDir()
	promote := filepath.Join(dir, "promote.expr")
	rollback := filepath.Join(dir, "rollback.expr")
	require.NoError(t, os.WriteFile(promote, []byte("error_rate < 0.001 && weight < 50"), 0o644))
	require.NoError(t, os.WriteFile(rollback, []byte("error_rate > 0.1"), 0o644))

	p, err := NewRulePolicyWithExpressions(DefaultRuleThresholds(), promote, rollback, nil)
	require.NoError(t, err)

	// 0.04 errors would roll back under the fixed threshold but the
	// override raises the bar to 10%.
	d, err := p.Decide(env.State{ErrorRate: 0.04, LatencyRatio: 0.6, Weight: 30})
	require.NoError(t, err)
	assert.Equal(t, env.ActionHold, d.Action)

	// 0.005 errors would promote under the fixed threshold but the
	// override demands under 0.1%.
	d, err = p.Decide(env.State{ErrorRate: 0.005, LatencyRatio: 0.6, Weight: 30})
	require.NoError(t, err)
	assert.Equal(t, env.ActionHold, d.Action)

	d, err = p.Decide(env.State{ErrorRate: 0.0005, LatencyRatio: 0.6, Weight: 30})
	require.NoError(t, err)
	assert.Equal(t, env.ActionUp, d.Action)
}

func TestRuleExpressionMissingFileFallsBack(t *testing.T) {
	p, err := NewRulePolicyWithExpressions(DefaultRuleThresholds(),
		filepath.Join(t.TempDir(), "nope.expr"), "", nil)
	require.NoError(t, err)

	d, err := p.Decide(env.State{ErrorRate: 0.005, LatencyRatio: 0.6, Weight: 30})
	require.NoError(t, err)
	assert.Equal(t, env.ActionUp, d.Action)
}

func TestRuleExpressionParseError(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.expr")
	require.NoError(t, os.WriteFile(bad, []byte("error_rate >>> 1"), 0o644))

	_, err := NewRulePolicyWithExpressions(DefaultRuleThresholds(), bad, "", nil)
	assert.Error(t, err)
}
