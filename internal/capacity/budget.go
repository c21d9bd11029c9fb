package capacity

import "time"

// RateBudget describes the static limits of one provider. It is loaded from
// configuration at startup and never mutated afterwards. A zero value for any
// limit means the provider does not enforce that window.
type RateBudget struct {
	Provider string
	// Tier is the ordinal quality/cost rank; lower is better.
	Tier int
	Plan string

	ContextWindow int64
	MaxOutput     int64

	TokensPerMinute   int64
	RequestsPerMinute int64
	TokensPerDay      int64
	RequestsPerDay    int64

	// RollingWindow, when non-zero, adds a provider-specific window defined
	// by a fixed duration rather than calendar minute/day boundaries.
	RollingWindow   time.Duration
	RollingTokens   int64
	RollingRequests int64
}

// HasRolling reports whether the budget defines a rolling window.
func (b RateBudget) HasRolling() bool {
	return b.RollingWindow > 0 && (b.RollingTokens > 0 || b.RollingRequests > 0)
}
