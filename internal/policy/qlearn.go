package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/softcane/canary-pilot/internal/env"
)

// QConfig holds the tabular Q-learning hyperparameters.
type QConfig struct {
	Alpha        float64 `yaml:"alpha" json:"alpha"`
	Gamma        float64 `yaml:"gamma" json:"gamma"`
	EpsilonStart float64 `yaml:"epsilonStart" json:"epsilonStart"`
	EpsilonMin   float64 `yaml:"epsilonMin" json:"epsilonMin"`
	EpsilonDecay float64 `yaml:"epsilonDecay" json:"epsilonDecay"`
}

// DefaultQConfig returns the shipped hyperparameters.
func DefaultQConfig() QConfig {
	return QConfig{
		Alpha:        0.1,
		Gamma:        0.97,
		EpsilonStart: 1.0,
		EpsilonMin:   0.05,
		EpsilonDecay: 0.995,
	}
}

// Validate rejects hyperparameters outside their usable ranges.
func (c QConfig) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0,1], got %v", c.Alpha)
	}
	if c.Gamma < 0 || c.Gamma >= 1 {
		return fmt.Errorf("gamma must be in [0,1), got %v", c.Gamma)
	}
	if c.EpsilonStart < 0 || c.EpsilonStart > 1 {
		return fmt.Errorf("epsilonStart must be in [0,1], got %v", c.EpsilonStart)
	}
	if c.EpsilonMin < 0 || c.EpsilonMin > c.EpsilonStart {
		return fmt.Errorf("epsilonMin must be in [0,epsilonStart], got %v", c.EpsilonMin)
	}
	if c.EpsilonDecay <= 0 || c.EpsilonDecay > 1 {
		return fmt.Errorf("epsilonDecay must be in (0,1], got %v", c.EpsilonDecay)
	}
	return nil
}

// stateKey is the discretized observation. The bins are coarse on purpose:
// the policy needs "is the canary healthy, marginal, or broken", not the
// third decimal of the error rate.
type stateKey struct {
	Err    uint8 `json:"e"`
	Lat    uint8 `json:"l"`
	Weight uint8 `json:"w"`
	Prog   uint8 `json:"p"`
}

func discretize(s env.State) stateKey {
	var k stateKey
	switch {
	case s.ErrorRate < 0.01:
		k.Err = 0
	case s.ErrorRate < 0.02:
		k.Err = 1
	case s.ErrorRate < 0.03:
		k.Err = 2
	case s.ErrorRate < 0.05:
		k.Err = 3
	default:
		k.Err = 4
	}
	switch {
	case s.LatencyRatio < 0.75:
		k.Lat = 0
	case s.LatencyRatio <= 1.0:
		k.Lat = 1
	case s.LatencyRatio < 1.5:
		k.Lat = 2
	default:
		k.Lat = 3
	}
	w := s.Weight
	if w < 0 {
		w = 0
	}
	if w > 100 {
		w = 100
	}
	k.Weight = uint8(w / 10)
	p := int(s.Progress * 5)
	if p > 4 {
		p = 4
	}
	if p < 0 {
		p = 0
	}
	k.Prog = uint8(p)
	return k
}

type qtable map[stateKey][env.ActionCount]float64

// QPolicy is a tabular Q-learning policy. Reads go through an atomic
// snapshot so Decide never blocks on a concurrent Update; updates clone
// the table, apply the batch, and swap the pointer, so readers always see
// either the pre-batch or post-batch table, never a half-applied one.
type QPolicy struct {
	cfg QConfig

	table atomic.Pointer[qtable]

	mu      sync.Mutex // serializes Update, Save, epsilon decay
	epsilon float64
}

// NewQPolicy creates an empty policy.
func NewQPolicy(cfg QConfig) (*QPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid q-learning config: %w", err)
	}
	p := &QPolicy{cfg: cfg, epsilon: cfg.EpsilonStart}
	t := make(qtable)
	p.table.Store(&t)
	return p, nil
}

// Decide returns the greedy action for the state.
func (p *QPolicy) Decide(state env.State) (Decision, error) {
	q := (*p.table.Load())[discretize(state)]
	return Decision{Action: greedy(q), QValues: q}, nil
}

// Explore returns an epsilon-greedy action for training. rng is caller
// supplied so episode rollouts stay seed-deterministic.
func (p *QPolicy) Explore(rng *rand.Rand, state env.State) Decision {
	if rng.Float64() < p.Epsilon() {
		return Decision{
			Action:   env.Action(rng.Intn(env.ActionCount)),
			Explored: true,
		}
	}
	d, _ := p.Decide(state)
	return d
}

// Epsilon returns the current exploration rate.
func (p *QPolicy) Epsilon() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epsilon
}

// States reports the number of distinct discretized states seen so far.
func (p *QPolicy) States() int {
	return len(*p.table.Load())
}

// Update applies one batch of transitions, typically a full episode, and
// decays epsilon once. A batch containing a non-finite reward or a
// resulting non-finite Q-value aborts the whole batch without publishing
// anything.
func (p *QPolicy) Update(batch []env.Transition) error {
	if len(batch) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := *p.table.Load()
	next := make(qtable, len(old)+len(batch))
	for k, v := range old {
		next[k] = v
	}

	for i, t := range batch {
		if math.IsNaN(t.Reward) || math.IsInf(t.Reward, 0) {
			return fmt.Errorf("transition %d has non-finite reward %v", i, t.Reward)
		}
		if t.Action < 0 || t.Action >= env.ActionCount {
			return fmt.Errorf("transition %d has invalid action %d", i, t.Action)
		}

		key := discretize(t.State)
		q := next[key]

		target := t.Reward
		if !t.Terminal {
			nq := next[discretize(t.Next)]
			target += p.cfg.Gamma * maxQ(nq)
		}

		q[t.Action] += p.cfg.Alpha * (target - q[t.Action])
		if math.IsNaN(q[t.Action]) || math.IsInf(q[t.Action], 0) {
			return fmt.Errorf("q-value diverged at transition %d (action %s)", i, t.Action)
		}
		next[key] = q
	}

	p.table.Store(&next)
	p.epsilon = math.Max(p.cfg.EpsilonMin, p.epsilon*p.cfg.EpsilonDecay)
	return nil
}

func maxQ(q [env.ActionCount]float64) float64 {
	m := q[0]
	for _, v := range q[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// artifactVersion guards the on-disk layout of saved policies.
const artifactVersion = 1

type qArtifact struct {
	Version int       `json:"version"`
	Config  QConfig   `json:"config"`
	Epsilon float64   `json:"epsilon"`
	Entries []qRecord `json:"entries"`
}

type qRecord struct {
	Key    stateKey                 `json:"key"`
	Values [env.ActionCount]float64 `json:"values"`
}

// Save writes the policy to a JSON artifact.
func (p *QPolicy) Save(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := *p.table.Load()
	art := qArtifact{
		Version: artifactVersion,
		Config:  p.cfg,
		Epsilon: p.epsilon,
		Entries: make([]qRecord, 0, len(table)),
	}
	for k, v := range table {
		art.Entries = append(art.Entries, qRecord{Key: k, Values: v})
	}

	payload, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write policy artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish policy artifact: %w", err)
	}
	return nil
}

// LoadQPolicy restores a policy from a JSON artifact.
func LoadQPolicy(path string) (*QPolicy, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy artifact: %w", err)
	}
	var art qArtifact
	if err := json.Unmarshal(payload, &art); err != nil {
		return nil, fmt.Errorf("parse policy artifact: %w", err)
	}
	if art.Version != artifactVersion {
		return nil, fmt.Errorf("unsupported policy artifact version %d", art.Version)
	}

	p, err := NewQPolicy(art.Config)
	if err != nil {
		return nil, err
	}
	t := make(qtable, len(art.Entries))
	for _, rec := range art.Entries {
		for _, v := range rec.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("policy artifact contains non-finite q-value for %+v", rec.Key)
			}
		}
		t[rec.Key] = rec.Values
	}
	p.table.Store(&t)
	p.mu.Lock()
	p.epsilon = math.Max(art.Config.EpsilonMin, art.Epsilon)
	p.mu.Unlock()
	return p, nil
}
