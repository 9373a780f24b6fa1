package policy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/softcane/canary-pilot/internal/env"
)

// RuleThresholds are the fixed-threshold baseline parameters.
type RuleThresholds struct {
	PromoteErrorRate  float64 `yaml:"promoteErrorRate"`
	RollbackErrorRate float64 `yaml:"rollbackErrorRate"`
	MaxLatencyRatio   float64 `yaml:"maxLatencyRatio"`
}

// DefaultRuleThresholds returns the shipped baseline thresholds.
func DefaultRuleThresholds() RuleThresholds {
	return RuleThresholds{
		PromoteErrorRate:  0.015,
		RollbackErrorRate: 0.025,
		MaxLatencyRatio:   1.0,
	}
}

// RulePolicy is the deterministic threshold baseline: roll back on elevated
// errors or missing telemetry, promote when comfortably healthy, otherwise
// hold. It doubles as the reference opponent when evaluating trained
// policies.
//
// Operators can override the promote and rollback conditions with boolean
// expressions loaded from files; the fixed thresholds remain the fallback
// when no expression is configured or an evaluation fails.
type RulePolicy struct {
	thresholds RuleThresholds
	promote    *ruleExpression
	rollback   *ruleExpression
	logger     *slog.Logger
}

type ruleExpression struct {
	expression *govaluate.EvaluableExpression
	vars       []string
}

// NewRulePolicy builds the baseline with fixed thresholds only.
func NewRulePolicy(t RuleThresholds) (*RulePolicy, error) {
	if t.PromoteErrorRate <= 0 || t.RollbackErrorRate <= t.PromoteErrorRate {
		return nil, fmt.Errorf("rule thresholds must satisfy 0 < promote < rollback, got %+v", t)
	}
	if t.MaxLatencyRatio <= 0 {
		return nil, fmt.Errorf("maxLatencyRatio must be positive, got %v", t.MaxLatencyRatio)
	}
	return &RulePolicy{thresholds: t, logger: slog.Default()}, nil
}

// NewRulePolicyWithExpressions builds the baseline and loads optional
// condition overrides. A missing file disables that override; a present
// but unparsable file is a configuration error.
func NewRulePolicyWithExpressions(t RuleThresholds, promotePath, rollbackPath string, logger *slog.Logger) (*RulePolicy, error) {
	p, err := NewRulePolicy(t)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		p.logger = logger
	}

	if promotePath != "" {
		expr, err := loadRuleExpression(promotePath)
		if err != nil {
			if os.IsNotExist(err) {
				p.logger.Warn("promote expression file missing, using fixed thresholds", "path", promotePath)
			} else {
				return nil, fmt.Errorf("load promote expression: %w", err)
			}
		} else {
			p.promote = expr
		}
	}
	if rollbackPath != "" {
		expr, err := loadRuleExpression(rollbackPath)
		if err != nil {
			if os.IsNotExist(err) {
				p.logger.Warn("rollback expression file missing, using fixed thresholds", "path", rollbackPath)
			} else {
				return nil, fmt.Errorf("load rollback expression: %w", err)
			}
		} else {
			p.rollback = expr
		}
	}
	return p, nil
}

// Decide applies the rollback rule first, then the promote rule.
func (p *RulePolicy) Decide(state env.State) (Decision, error) {
	if state.Absent {
		return Decision{Action: env.ActionDown}, nil
	}

	if p.evalRule(p.rollback, state, state.ErrorRate > p.thresholds.RollbackErrorRate) {
		return Decision{Action: env.ActionDown}, nil
	}

	promotable := state.ErrorRate < p.thresholds.PromoteErrorRate &&
		state.LatencyRatio <= p.thresholds.MaxLatencyRatio
	if state.Weight < 100 && p.evalRule(p.promote, state, promotable) {
		return Decision{Action: env.ActionUp}, nil
	}

	return Decision{Action: env.ActionHold}, nil
}

func (p *RulePolicy) evalRule(expr *ruleExpression, state env.State, fallback bool) bool {
	if expr == nil {
		return fallback
	}
	result, err := expr.evaluate(map[string]float64{
		"error_rate":    state.ErrorRate,
		"latency_ratio": state.LatencyRatio,
		"weight":        float64(state.Weight),
		"progress":      state.Progress,
	})
	if err != nil {
		p.logger.Warn("rule expression evaluation failed, using fixed threshold", "error", err)
		return fallback
	}
	return result
}

func loadRuleExpression(path string) (*ruleExpression, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return nil, fmt.Errorf("expression file empty: %s", path)
	}
	evaluable, err := govaluate.NewEvaluableExpression(raw)
	if err != nil {
		return nil, fmt.Errorf("parse expression: %w", err)
	}
	return &ruleExpression{expression: evaluable, vars: evaluable.Vars()}, nil
}

func (e *ruleExpression) evaluate(features map[string]float64) (bool, error) {
	params := make(map[string]interface{}, len(features))
	for _, key := range e.vars {
		value, ok := features[key]
		if !ok {
			return false, fmt.Errorf("unknown variable %q", key)
		}
		params[key] = value
	}
	result, err := e.expression.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression result is %T, want bool", result)
	}
	return b, nil
}
