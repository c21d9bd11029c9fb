package capacity

import (
	"net/http"
	"testing"
	"time"

	"github.com/allaspectsdev/modelgate/internal/ratelimit"
)

func testBudget() RateBudget {
	return RateBudget{
		Provider:          "alpha",
		Tier:              1,
		ContextWindow:     200000,
		TokensPerMinute:   100000,
		RequestsPerMinute: 60,
		TokensPerDay:      2000000,
		RequestsPerDay:    5000,
	}
}

// newTestTracker returns a tracker with a controllable clock.
func newTestTracker(budget RateBudget) (*Tracker, *time.Time) {
	tr := NewTracker(budget)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestWindowResetsAtBoundary(t *testing.T) {
	tr, now := newTestTracker(testBudget())

	tr.RecordCompletedRequest(40000, 0)
	if got := tr.EstimateAvailableTokens(); got != 60000 {
		t.Fatalf("after 40k used: available = %d, want 60000", got)
	}

	// Mid-window: no reset.
	*now = now.Add(59 * time.Second)
	tr.RecordCompletedRequest(10000, 0)
	if got := tr.EstimateAvailableTokens(); got != 50000 {
		t.Fatalf("mid-window: available = %d, want 50000", got)
	}

	// First observation at/after start+60s resets the minute window.
	*now = now.Add(2 * time.Second)
	tr.RecordCompletedRequest(1000, 0)
	if got := tr.EstimateAvailableTokens(); got != 99000 {
		t.Fatalf("after rollover: available = %d, want 99000", got)
	}
}

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		used int
		want State
	}{
		{10000, StateAvailable},
		{60000, StateApproaching},
		{85000, StateLow},
		{96000, StateExhausted},
	}
	for _, tc := range cases {
		tr, _ := newTestTracker(testBudget())
		tr.RecordCompletedRequest(tc.used, 0)
		if got := tr.Classify().State; got != tc.want {
			t.Errorf("used=%d: state = %v, want %v", tc.used, got, tc.want)
		}
	}
}

func TestClassifyMonotone(t *testing.T) {
	tr, _ := newTestTracker(testBudget())
	prev := StateAvailable
	for i := 0; i < 20; i++ {
		tr.RecordCompletedRequest(5000, 0)
		st := tr.Classify().State
		if st < prev {
			t.Fatalf("state improved from %v to %v as usage grew", prev, st)
		}
		prev = st
	}
}

func TestCooldownEscalation(t *testing.T) {
	tr, now := newTestTracker(testBudget())
	base := 60 * time.Second

	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		600 * time.Second, // capped
		600 * time.Second,
	}
	for i, w := range want {
		got := tr.RecordThrottled(base)
		if got != w {
			t.Fatalf("throttle %d: cooldown = %v, want %v", i+1, got, w)
		}
		if until := tr.CooldownUntil(); !until.Equal(now.Add(w)) {
			t.Fatalf("throttle %d: cooldownUntil = %v, want %v", i+1, until, now.Add(w))
		}
	}

	if tr.Classify().State != StateCooldown {
		t.Fatal("expected cooldown state while cooling down")
	}

	tr.ClearFailureStreak()
	if tr.Classify().State == StateCooldown {
		t.Fatal("cooldown should clear on success")
	}
	if tr.ConsecutiveFailures() != 0 {
		t.Fatal("failure streak should reset on success")
	}

	// After a clear, escalation restarts from the base.
	if got := tr.RecordThrottled(base); got != base {
		t.Fatalf("post-clear cooldown = %v, want %v", got, base)
	}
}

func TestCooldownOutranksRatio(t *testing.T) {
	tr, _ := newTestTracker(testBudget())
	tr.RecordCompletedRequest(1000, 0) // ratio well below every threshold
	tr.RecordThrottled(60 * time.Second)
	if got := tr.Classify().State; got != StateCooldown {
		t.Fatalf("state = %v, want cooldown despite low usage", got)
	}
}

func TestDisabledClassifiesUnusable(t *testing.T) {
	tr, _ := newTestTracker(testBudget())
	tr.SetEnabled(false)
	if st := tr.Classify().State; st.Usable() {
		t.Fatalf("disabled provider classified usable: %v", st)
	}
}

func TestCanAdmit(t *testing.T) {
	tr, _ := newTestTracker(testBudget())

	if !tr.CanAdmit(50000) {
		t.Fatal("fresh tracker should admit 50k tokens")
	}
	if tr.CanAdmit(300000) {
		t.Fatal("request beyond the context window must be rejected")
	}

	tr.RecordCompletedRequest(95000, 0)
	if tr.CanAdmit(10000) {
		t.Fatal("10k request should not fit 5k remaining")
	}
	if !tr.CanAdmit(4000) {
		t.Fatal("4k request should fit 5k remaining")
	}
}

func TestAuthoritativeOverridesLocal(t *testing.T) {
	tr, now := newTestTracker(testBudget())

	// Locally nothing has been used, but the upstream says 4% remains.
	snap := &ratelimit.Snapshot{
		TokensRemaining:        4000,
		TokensLimit:            100000,
		RequestsRemaining:      -1,
		RequestsLimit:          -1,
		DailyTokensRemaining:   -1,
		DailyTokensLimit:       -1,
		DailyRequestsRemaining: -1,
		DailyRequestsLimit:     -1,
		Observed:               *now,
	}
	tr.ApplySnapshot(snap)

	if got := tr.Classify().State; got != StateExhausted {
		t.Fatalf("state = %v, want exhausted from authoritative remaining", got)
	}
	if got := tr.EstimateAvailableTokens(); got != 4000 {
		t.Fatalf("available = %d, want authoritative 4000", got)
	}

	// Once the snapshot goes stale, local counters take over again.
	*now = now.Add(ratelimit.StalenessWindow + time.Second)
	if got := tr.Classify().State; got != StateAvailable {
		t.Fatalf("state after staleness = %v, want available", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	headers := http.Header{}
	headers.Set("Anthropic-Ratelimit-Tokens-Remaining", "123456")
	headers.Set("Anthropic-Ratelimit-Tokens-Limit", "200000")
	headers.Set("Anthropic-Ratelimit-Requests-Remaining", "48")
	headers.Set("Anthropic-Ratelimit-Requests-Limit", "50")

	snap := ratelimit.Parse(headers)
	if snap == nil {
		t.Fatal("expected a snapshot")
	}

	tr, _ := newTestTracker(testBudget())
	tr.ApplySnapshot(snap)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.authTokensRemaining != 123456 || tr.authTokensLimit != 200000 {
		t.Fatalf("token fields = %d/%d, want 123456/200000", tr.authTokensRemaining, tr.authTokensLimit)
	}
	if tr.authRequestsRemaining != 48 || tr.authRequestsLimit != 50 {
		t.Fatalf("request fields = %d/%d, want 48/50", tr.authRequestsRemaining, tr.authRequestsLimit)
	}
}

func TestWarnCrossingOncePerWindow(t *testing.T) {
	tr, now := newTestTracker(testBudget())

	if crossed := tr.RecordCompletedRequest(70000, 0); len(crossed) != 0 {
		t.Fatalf("70%% usage should not warn, got %v", crossed)
	}
	crossed := tr.RecordCompletedRequest(15000, 0)
	if len(crossed) != 1 || crossed[0] != "minute" {
		t.Fatalf("85%% usage should warn for minute window, got %v", crossed)
	}
	if crossed := tr.RecordCompletedRequest(1000, 0); len(crossed) != 0 {
		t.Fatalf("warning should fire once per window, got %v", crossed)
	}

	// After rollover, warnings arm again.
	*now = now.Add(61 * time.Second)
	if crossed := tr.RecordCompletedRequest(90000, 0); len(crossed) == 0 {
		t.Fatal("warning should re-arm after a window reset")
	}
}
