// Package capacity models per-provider rate budgets and live usage, and
// derives a routing-facing status from the two. One Tracker exists per
// provider; all of its state transitions happen under a single mutex so
// concurrent request flows observe consistent counters.
package capacity

// State classifies how much headroom a provider has left.
type State int

const (
	// StateAvailable means usage is below half of every configured window.
	StateAvailable State = iota
	// StateApproaching means at least one window is past 50% usage.
	StateApproaching
	// StateLow means at least one window is past 80% usage.
	StateLow
	// StateExhausted means at least one window is past 95% usage, or the
	// provider has been administratively disabled.
	StateExhausted
	// StateCooldown means the provider is in a throttle-induced cooldown and
	// must not be used regardless of computed usage.
	StateCooldown
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateApproaching:
		return "approaching"
	case StateLow:
		return "low"
	case StateExhausted:
		return "exhausted"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Usable reports whether a provider in this state may receive traffic.
func (s State) Usable() bool {
	return s != StateExhausted && s != StateCooldown
}

// Status is the derived capacity of a provider at a point in time. It is
// computed on demand and never stored.
type Status struct {
	State           State
	AvailableTokens int64
}

// stateForRatio maps a usage ratio onto a State using the fixed thresholds.
func stateForRatio(ratio float64) State {
	switch {
	case ratio >= 0.95:
		return StateExhausted
	case ratio >= 0.80:
		return StateLow
	case ratio >= 0.50:
		return StateApproaching
	default:
		return StateAvailable
	}
}
