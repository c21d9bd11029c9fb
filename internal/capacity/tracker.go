package capacity

import (
	"math"
	"sync"
	"time"

	"github.com/allaspectsdev/modelgate/internal/ratelimit"
)

// MaxCooldown caps the throttle-induced cooldown regardless of how many
// consecutive failures a provider accumulates.
const MaxCooldown = 600 * time.Second

// warnRatio is the usage ratio at which a window-crossing warning is reported
// once per window reset.
const warnRatio = 0.80

// unlimited is the available-token estimate for providers with no token
// windows configured.
const unlimited = int64(math.MaxInt64 / 2)

// window accumulates usage for one budget window. Counters reset lazily:
// the first observation at or after start+length zeroes them, never earlier.
type window struct {
	tokens   int64
	requests int64
	start    time.Time
	warned   bool
}

func (w *window) rollover(now time.Time, length time.Duration) {
	if length <= 0 {
		return
	}
	if w.start.IsZero() {
		w.start = now
		return
	}
	if now.Sub(w.start) >= length {
		w.tokens = 0
		w.requests = 0
		w.start = now
		w.warned = false
	}
}

// ratio returns the worst usage fraction of the window against the given
// token and request limits. Unconfigured limits (<=0) are skipped.
func (w *window) ratio(tokenLimit, requestLimit int64) float64 {
	r := 0.0
	if tokenLimit > 0 {
		r = float64(w.tokens) / float64(tokenLimit)
	}
	if requestLimit > 0 {
		if rr := float64(w.requests) / float64(requestLimit); rr > r {
			r = rr
		}
	}
	return r
}

// Tracker owns the live usage state for one provider. All methods are safe
// for concurrent use; every mutation and every status derivation runs under
// the tracker's mutex and never blocks on I/O.
type Tracker struct {
	mu     sync.Mutex
	budget RateBudget

	minute  window
	day     window
	rolling window

	// Authoritative remaining/limit values reported by the upstream. They
	// override the local counters while fresh. -1 means not reported.
	authTokensRemaining   int64
	authTokensLimit       int64
	authRequestsRemaining int64
	authRequestsLimit     int64
	authDailyTokensRem    int64
	authDailyTokensLimit  int64
	authObserved          time.Time

	cooldownUntil time.Time
	failures      int

	enabled bool

	now func() time.Time
}

// NewTracker creates a Tracker for the given budget with all counters zeroed.
func NewTracker(budget RateBudget) *Tracker {
	return &Tracker{
		budget:                budget,
		authTokensRemaining:   -1,
		authTokensLimit:       -1,
		authRequestsRemaining: -1,
		authRequestsLimit:     -1,
		authDailyTokensRem:    -1,
		authDailyTokensLimit:  -1,
		enabled:               true,
		now:                   time.Now,
	}
}

// Budget returns the immutable rate budget the tracker enforces.
func (t *Tracker) Budget() RateBudget {
	return t.budget
}

// SetEnabled flips the administrative enabled flag. Disabled providers
// classify as unusable but keep accumulating state.
func (t *Tracker) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Enabled reports the administrative enabled flag.
func (t *Tracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// RecordCompletedRequest rolls over any expired window and then counts the
// request and its tokens against every active window. It returns the names
// of windows that crossed the warning ratio on this call, at most once per
// window reset. It never fails.
func (t *Tracker) RecordCompletedRequest(tokensIn, tokensOut int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rolloverLocked(now)

	total := int64(tokensIn) + int64(tokensOut)
	t.minute.tokens += total
	t.minute.requests++
	t.day.tokens += total
	t.day.requests++
	if t.budget.HasRolling() {
		t.rolling.tokens += total
		t.rolling.requests++
	}

	var crossed []string
	type check struct {
		name   string
		w      *window
		tokens int64
		reqs   int64
	}
	for _, c := range []check{
		{"minute", &t.minute, t.budget.TokensPerMinute, t.budget.RequestsPerMinute},
		{"day", &t.day, t.budget.TokensPerDay, t.budget.RequestsPerDay},
		{"rolling", &t.rolling, t.budget.RollingTokens, t.budget.RollingRequests},
	} {
		if c.w.warned {
			continue
		}
		if c.w.ratio(c.tokens, c.reqs) >= warnRatio {
			c.w.warned = true
			crossed = append(crossed, c.name)
		}
	}
	return crossed
}

// RecordThrottled escalates the failure streak and sets a cooldown of
// base doubled per consecutive failure, capped at MaxCooldown. It returns
// the cooldown duration that was applied.
func (t *Tracker) RecordThrottled(base time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	d := base
	for i := 1; i < t.failures; i++ {
		d *= 2
		if d >= MaxCooldown {
			d = MaxCooldown
			break
		}
	}
	if d > MaxCooldown {
		d = MaxCooldown
	}
	t.cooldownUntil = t.now().Add(d)
	return d
}

// ClearFailureStreak resets the consecutive-failure count and lifts any
// active cooldown. Call it on any non-throttled response; a reachable
// provider is not cooling down.
func (t *Tracker) ClearFailureStreak() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.cooldownUntil = time.Time{}
}

// ApplySnapshot overwrites the authoritative remaining/limit values with
// whatever the snapshot reports. Unreported fields keep their previous value.
func (t *Tracker) ApplySnapshot(snap *ratelimit.Snapshot) {
	if snap == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if snap.TokensRemaining >= 0 {
		t.authTokensRemaining = snap.TokensRemaining
	}
	if snap.TokensLimit >= 0 {
		t.authTokensLimit = snap.TokensLimit
	}
	if snap.RequestsRemaining >= 0 {
		t.authRequestsRemaining = snap.RequestsRemaining
	}
	if snap.RequestsLimit >= 0 {
		t.authRequestsLimit = snap.RequestsLimit
	}
	if snap.DailyTokensRemaining >= 0 {
		t.authDailyTokensRem = snap.DailyTokensRemaining
	}
	if snap.DailyTokensLimit >= 0 {
		t.authDailyTokensLimit = snap.DailyTokensLimit
	}
	t.authObserved = snap.Observed
}

// Classify derives the current capacity status. The worst usage ratio across
// every configured window decides the base state, with authoritative
// remaining values preferred over local counters while fresh. An active
// cooldown overrides any ratio-derived state; a disabled provider is
// exhausted for routing purposes.
func (t *Tracker) Classify() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rolloverLocked(now)

	avail := t.availableTokensLocked(now)

	if !t.enabled {
		return Status{State: StateExhausted, AvailableTokens: avail}
	}
	if now.Before(t.cooldownUntil) {
		return Status{State: StateCooldown, AvailableTokens: avail}
	}
	return Status{State: stateForRatio(t.maxRatioLocked(now)), AvailableTokens: avail}
}

// InCooldown reports whether a throttle cooldown is currently active.
func (t *Tracker) InCooldown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Before(t.cooldownUntil)
}

// CooldownUntil returns the end of the active cooldown, or the zero time.
func (t *Tracker) CooldownUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cooldownUntil
}

// ConsecutiveFailures returns the current failure streak length.
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// EstimateAvailableTokens estimates how many tokens the provider can still
// serve: the smallest (limit - used) across the minute and day token windows,
// preferring authoritative remaining values while fresh.
func (t *Tracker) EstimateAvailableTokens() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.rolloverLocked(now)
	return t.availableTokensLocked(now)
}

// CanAdmit reports whether a request of the estimated size fits both the
// provider's context window and its remaining token capacity.
func (t *Tracker) CanAdmit(estTokens int) bool {
	if t.budget.ContextWindow > 0 && int64(estTokens) > t.budget.ContextWindow {
		return false
	}
	return int64(estTokens) <= t.EstimateAvailableTokens()
}

func (t *Tracker) rolloverLocked(now time.Time) {
	t.minute.rollover(now, time.Minute)
	t.day.rollover(now, 24*time.Hour)
	if t.budget.HasRolling() {
		t.rolling.rollover(now, t.budget.RollingWindow)
	}
}

// authFresh reports whether the authoritative values are recent enough to
// override local counters.
func (t *Tracker) authFresh(now time.Time) bool {
	return !t.authObserved.IsZero() && now.Sub(t.authObserved) <= ratelimit.StalenessWindow
}

func (t *Tracker) maxRatioLocked(now time.Time) float64 {
	fresh := t.authFresh(now)
	max := 0.0
	add := func(r float64) {
		if r > max {
			max = r
		}
	}

	// Minute tokens.
	if fresh && t.authTokensRemaining >= 0 {
		limit := t.authTokensLimit
		if limit <= 0 {
			limit = t.budget.TokensPerMinute
		}
		if limit > 0 {
			add(1 - float64(t.authTokensRemaining)/float64(limit))
		}
	} else if t.budget.TokensPerMinute > 0 {
		add(float64(t.minute.tokens) / float64(t.budget.TokensPerMinute))
	}

	// Minute requests.
	if fresh && t.authRequestsRemaining >= 0 {
		limit := t.authRequestsLimit
		if limit <= 0 {
			limit = t.budget.RequestsPerMinute
		}
		if limit > 0 {
			add(1 - float64(t.authRequestsRemaining)/float64(limit))
		}
	} else if t.budget.RequestsPerMinute > 0 {
		add(float64(t.minute.requests) / float64(t.budget.RequestsPerMinute))
	}

	// Day tokens.
	if fresh && t.authDailyTokensRem >= 0 {
		limit := t.authDailyTokensLimit
		if limit <= 0 {
			limit = t.budget.TokensPerDay
		}
		if limit > 0 {
			add(1 - float64(t.authDailyTokensRem)/float64(limit))
		}
	} else if t.budget.TokensPerDay > 0 {
		add(float64(t.day.tokens) / float64(t.budget.TokensPerDay))
	}

	// Day requests (local only; no provider reports these authoritatively).
	if t.budget.RequestsPerDay > 0 {
		add(float64(t.day.requests) / float64(t.budget.RequestsPerDay))
	}

	// Rolling window (local only).
	if t.budget.HasRolling() {
		add(t.rolling.ratio(t.budget.RollingTokens, t.budget.RollingRequests))
	}

	return max
}

func (t *Tracker) availableTokensLocked(now time.Time) int64 {
	fresh := t.authFresh(now)
	avail := unlimited

	min := func(v int64) {
		if v < avail {
			avail = v
		}
	}

	if fresh && t.authTokensRemaining >= 0 {
		min(t.authTokensRemaining)
	} else if t.budget.TokensPerMinute > 0 {
		min(t.budget.TokensPerMinute - t.minute.tokens)
	}

	if fresh && t.authDailyTokensRem >= 0 {
		min(t.authDailyTokensRem)
	} else if t.budget.TokensPerDay > 0 {
		min(t.budget.TokensPerDay - t.day.tokens)
	}

	if avail < 0 {
		avail = 0
	}
	return avail
}
