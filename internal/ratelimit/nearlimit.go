package ratelimit

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultProactiveThreshold is the remaining-capacity fraction below which a
// provider is considered near its limit.
const DefaultProactiveThreshold = 0.2

// DefaultSuppression is how long repeat near-limit triggers for the same
// provider are ignored after one has been acted on.
const DefaultSuppression = 60 * time.Second

// suppressionCacheSize bounds the trigger-suppression cache. Deployments have
// at most a handful of providers, so this never evicts in practice.
const suppressionCacheSize = 64

// NearLimit reports whether any reported window in the snapshot is at or
// below the given remaining fraction. Windows are checked in priority order:
// minute tokens, minute requests, then the daily counters. The first window
// that trips wins and is named in the returned reason.
func NearLimit(snap *Snapshot, threshold float64) (bool, string) {
	if snap == nil {
		return false, ""
	}

	checks := []struct {
		name      string
		remaining int64
		limit     int64
	}{
		{"minute-tokens", snap.TokensRemaining, snap.TokensLimit},
		{"minute-requests", snap.RequestsRemaining, snap.RequestsLimit},
		{"daily-tokens", snap.DailyTokensRemaining, snap.DailyTokensLimit},
		{"daily-requests", snap.DailyRequestsRemaining, snap.DailyRequestsLimit},
	}

	for _, c := range checks {
		if c.remaining < 0 || c.limit <= 0 {
			continue
		}
		ratio := float64(c.remaining) / float64(c.limit)
		if ratio <= threshold {
			return true, fmt.Sprintf("%s %d/%d remaining (%.1f%% <= %.0f%%)",
				c.name, c.remaining, c.limit, ratio*100, threshold*100)
		}
	}
	return false, ""
}

// Gate wraps NearLimit with the staleness and anti-thrash rules: snapshots
// older than StalenessWindow never trigger, and once a trigger has been acted
// on for a provider, repeat triggers are suppressed until the suppression
// window expires.
type Gate struct {
	threshold float64
	suppress  *expirable.LRU[string, time.Time]
	now       func() time.Time
}

// NewGate creates a Gate with the given threshold fraction and suppression
// window. Non-positive arguments fall back to the defaults.
func NewGate(threshold float64, suppression time.Duration) *Gate {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultProactiveThreshold
	}
	if suppression <= 0 {
		suppression = DefaultSuppression
	}
	return &Gate{
		threshold: threshold,
		suppress:  expirable.NewLRU[string, time.Time](suppressionCacheSize, nil, suppression),
		now:       time.Now,
	}
}

// ShouldSwitch reports whether traffic should proactively move away from the
// provider based on the snapshot. A true result arms the suppression window
// for the provider so the same observation does not trigger repeatedly.
func (g *Gate) ShouldSwitch(provider string, snap *Snapshot) (bool, string) {
	if snap == nil || snap.Stale(g.now()) {
		return false, ""
	}
	if _, suppressed := g.suppress.Get(provider); suppressed {
		return false, ""
	}
	trip, reason := NearLimit(snap, g.threshold)
	if !trip {
		return false, ""
	}
	g.suppress.Add(provider, g.now())
	return true, reason
}
