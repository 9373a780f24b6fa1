// Package policy maps observed canary states to traffic actions. Three
// implementations share one contract: a trainable tabular Q-policy, an
// ONNX-backed policy for models trained elsewhere, and a threshold rule
// baseline. Evaluation is always greedy; exploration is a training-time
// concern owned by the trainable policy.
package policy

import (
	"github.com/softcane/canary-pilot/internal/env"
)

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Action env.Action

	// QValues holds the per-action scores where the implementation has
	// them; rule policies leave it zero.
	QValues [env.ActionCount]float64

	// Explored marks a decision drawn from the exploration branch rather
	// than the greedy one. Always false outside training.
	Explored bool
}

// Policy evaluates one state. Implementations must be safe for concurrent
// use and must not mutate internal state from Decide.
type Policy interface {
	Decide(state env.State) (Decision, error)
}

// greedy returns the argmax action. Iteration order plus the strict
// comparison give the deterministic tie-break hold > up > down.
func greedy(q [env.ActionCount]float64) env.Action {
	best := env.ActionHold
	for a := env.ActionUp; a <= env.ActionDown; a++ {
		if q[a] > q[best] {
			best = a
		}
	}
	return best
}
