package metrics

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanaryWeightGauge(t *testing.T) {
	gauge := CanaryWeight.WithLabelValues("checkout")
	gauge.Set(0)

	gauge.Set(40)

	if val := testutil.ToFloat64(gauge); math.Abs(val-40) > 0.0001 {
		t.Errorf("expected 40, got %f", val)
	}
}

func TestActionTakenCounterPerAction(t *testing.T) {
	before := testutil.ToFloat64(ActionTaken.WithLabelValues("up"))

	ActionTaken.WithLabelValues("up").Inc()
	ActionTaken.WithLabelValues("up").Inc()
	ActionTaken.WithLabelValues("down").Inc()

	if val := testutil.ToFloat64(ActionTaken.WithLabelValues("up")); math.Abs(val-before-2) > 0.0001 {
		t.Errorf("expected up counter to grow by 2, got delta %f", val-before)
	}
}

func TestEpisodeOutcomeLabels(t *testing.T) {
	before := testutil.ToFloat64(EpisodeOutcome.WithLabelValues("COMPLETED_ROLLOUT"))

	EpisodeOutcome.WithLabelValues("COMPLETED_ROLLOUT").Inc()

	if val := testutil.ToFloat64(EpisodeOutcome.WithLabelValues("COMPLETED_ROLLOUT")); math.Abs(val-before-1) > 0.0001 {
		t.Errorf("expected outcome counter to grow by 1, got delta %f", val-before)
	}
}
