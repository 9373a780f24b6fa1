// Package env defines the environment contract shared by offline policy
// training and the live canary control loop: the telemetry sample, the
// normalized state vector, the discrete action set, and the reward shape.
// The scenario simulator and the live telemetry client both implement
// Source, so the rest of the system never knows which one it is driving.
package env

import (
	"context"
	"math"
)

// Action is a discrete traffic-control decision.
type Action int

const (
	ActionHold Action = 0 // keep current canary weight
	ActionUp   Action = 1 // +10 percentage points of canary traffic
	ActionDown Action = 2 // -10 percentage points (rollback direction)

	// ActionCount is the size of the action space.
	ActionCount = 3
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionHold:
		return "hold"
	case ActionUp:
		return "up"
	case ActionDown:
		return "down"
	default:
		return "unknown"
	}
}

// WeightStep is the fixed per-action change to the canary weight, in
// percentage points.
const WeightStep = 10

// LatencyRatioCeiling caps the normalized latency feature. A ratio of 1.0
// is exactly at the SLO; absent telemetry is mapped to the ceiling.
const LatencyRatioCeiling = 2.5

// Sample is one telemetry reading covering a single decision step.
// Requests and Errors are deltas since the previous read, not cumulative
// counters; the Source owns the delta derivation because it is the only
// component that sees consecutive raw reads.
type Sample struct {
	Requests     int64
	Errors       int64
	AvgLatencyMS float64
}

// Source yields one telemetry sample per decision step. A nil sample is
// the explicit absence marker: telemetry was unreachable or saw no
// traffic, and the aggregator must substitute worst-case sentinels.
type Source interface {
	Sample(ctx context.Context, step int) (*Sample, error)
}

// State is the fixed-shape observation handed to the policy.
type State struct {
	ErrorRate    float64 // [0,1]
	LatencyRatio float64 // avg latency / SLO latency, clamped to [0, LatencyRatioCeiling]
	Weight       int     // current canary weight percent, [0,100]
	Progress     float64 // steps elapsed / max steps, [0,1]

	// Absent marks a state built from the absence sentinel. The actuator
	// guardrail keys off this, never off the feature values.
	Absent bool
}

// Features returns the normalized feature vector in its canonical order.
func (s State) Features() [4]float32 {
	return [4]float32{
		float32(s.ErrorRate),
		float32(s.LatencyRatio / LatencyRatioCeiling),
		float32(s.Weight) / 100.0,
		float32(s.Progress),
	}
}

// Transition is one (s, a, r, s') tuple consumed by policy updates.
type Transition struct {
	State    State
	Action   Action
	Reward   float64
	Next     State
	Terminal bool
}

// Aggregator converts raw telemetry into a well-formed State. It is a pure
// function of its inputs plus the two normalization constants; it never
// errors and never emits NaN. Missing telemetry becomes the worst-case
// sentinel so a cautious policy reads it as "roll back".
type Aggregator struct {
	sloLatencyMS float64
	maxSteps     int
}

// NewAggregator builds an aggregator. Both constants are required.
func NewAggregator(sloLatencyMS float64, maxSteps int) *Aggregator {
	return &Aggregator{sloLatencyMS: sloLatencyMS, maxSteps: maxSteps}
}

// Observe maps a sample (or its absence) to a state. weight is the current
// canary weight as read from the traffic-split resource; step is the
// number of completed decision steps in this episode.
func (a *Aggregator) Observe(sample *Sample, weight, step int) State {
	progress := 0.0
	if a.maxSteps > 0 {
		progress = clamp(float64(step)/float64(a.maxSteps), 0, 1)
	}

	if sample == nil || sample.Requests <= 0 {
		return State{
			ErrorRate:    1.0,
			LatencyRatio: LatencyRatioCeiling,
			Weight:       weight,
			Progress:     progress,
			Absent:       true,
		}
	}

	errorRate := float64(sample.Errors) / float64(sample.Requests)
	if math.IsNaN(errorRate) || math.IsInf(errorRate, 0) {
		errorRate = 1.0
	}

	latencyRatio := LatencyRatioCeiling
	if a.sloLatencyMS > 0 && !math.IsNaN(sample.AvgLatencyMS) && !math.IsInf(sample.AvgLatencyMS, 0) {
		latencyRatio = sample.AvgLatencyMS / a.sloLatencyMS
	}

	return State{
		ErrorRate:    clamp(errorRate, 0, 1),
		LatencyRatio: clamp(latencyRatio, 0, LatencyRatioCeiling),
		Weight:       weight,
		Progress:     progress,
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
