package actuator

// DefaultAbsentTickLimit is the number of consecutive absent-telemetry
// steps tolerated before the guardrail overrides the policy.
const DefaultAbsentTickLimit = 2

// Guard tracks consecutive decision steps without usable telemetry. Once
// the limit is reached every subsequent absent step forces a rollback,
// regardless of what the policy wants; a single present sample resets the
// streak. Guard is not safe for concurrent use; the control loop calls it
// from one goroutine.
type Guard struct {
	limit  int
	absent int
}

// NewGuard creates a guard. limit <= 0 selects the default.
func NewGuard(limit int) *Guard {
	if limit <= 0 {
		limit = DefaultAbsentTickLimit
	}
	return &Guard{limit: limit}
}

// Observe records one step and reports whether the guardrail is active
// for this step.
func (g *Guard) Observe(absent bool) bool {
	if !absent {
		g.absent = 0
		return false
	}
	g.absent++
	return g.absent >= g.limit
}

// AbsentTicks returns the current consecutive absent streak.
func (g *Guard) AbsentTicks() int { return g.absent }

// Reset clears the streak, used when a new episode starts.
func (g *Guard) Reset() { g.absent = 0 }
