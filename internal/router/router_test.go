package router

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/modelgate/internal/capacity"
	"github.com/allaspectsdev/modelgate/internal/registry"
)

func spec(name string, tier int, tokensPerMinute int64, workloads ...string) registry.ProviderSpec {
	return registry.ProviderSpec{
		Name: name,
		Budget: capacity.RateBudget{
			Provider: name, Tier: tier, ContextWindow: 200000,
			TokensPerMinute: tokensPerMinute, RequestsPerMinute: 500,
		},
		Workloads: workloads,
		Enabled:   true,
	}
}

// stubCreds satisfies registry.CredentialChecker with a fixed provider set.
type stubCreds map[string]bool

func (s stubCreds) Has(provider string) bool { return s[provider] }

func newTestRouter(t *testing.T, specs ...registry.ProviderSpec) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(zerolog.Nop(), nil)
	reg.Init(specs)
	return New(reg, zerolog.Nop()), reg
}

func TestSelectKeepsHealthyCurrent(t *testing.T) {
	rt, _ := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
	)

	for i := 0; i < 5; i++ {
		dec, err := rt.Select("coding", 5000, "alpha")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if dec.Provider != "alpha" {
			t.Fatalf("call %d: provider = %s, want sticky alpha", i, dec.Provider)
		}
	}
}

func TestSelectSwitchesWhenCurrentDegrades(t *testing.T) {
	rt, reg := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
	)

	// Drive alpha past 80%: low capacity must push non-trivial requests off.
	reg.RecordRequest("alpha", 85000, 0, nil)

	dec, err := rt.Select("coding", 10000, "alpha")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if dec.Provider != "beta" {
		t.Fatalf("provider = %s, want switch to beta", dec.Provider)
	}

	sw := rt.Switches()["coding"]
	if sw.Proactive != 1 {
		t.Fatalf("proactive switches = %d, want 1", sw.Proactive)
	}
}

func TestSelectKeepsLowCurrentForSmallRequests(t *testing.T) {
	rt, reg := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
	)
	reg.RecordRequest("alpha", 85000, 0, nil)

	dec, err := rt.Select("coding", 500, "alpha")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if dec.Provider != "alpha" {
		t.Fatalf("provider = %s, want alpha kept for a small request", dec.Provider)
	}
}

func TestSelectDropsCurrentWithRevokedCredentials(t *testing.T) {
	creds := stubCreds{"alpha": true, "beta": true}
	reg := registry.New(zerolog.Nop(), creds)
	reg.Init([]registry.ProviderSpec{
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
	})
	rt := New(reg, zerolog.Nop())

	dec, err := rt.Select("coding", 5000, "alpha")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if dec.Provider != "alpha" {
		t.Fatalf("provider = %s, want sticky alpha", dec.Provider)
	}

	// Key deleted from the vault after the assignment.
	delete(creds, "alpha")

	dec, err = rt.Select("coding", 5000, "alpha")
	if err != nil {
		t.Fatalf("select after revocation: %v", err)
	}
	if dec.Provider != "beta" {
		t.Fatalf("provider = %s, want switch to beta after key removal", dec.Provider)
	}
}

func TestNearLimitHeadersForceSwitch(t *testing.T) {
	rt, _ := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
	)

	// 18% remaining reported: below the proactive threshold but local usage
	// would still allow small requests to stay.
	h := http.Header{}
	h.Set("anthropic-ratelimit-tokens-remaining", "18000")
	h.Set("anthropic-ratelimit-tokens-limit", "100000")
	rt.RecordSuccess("alpha", "coding", 100, 50, h)

	dec, err := rt.Select("coding", 500, "alpha")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if dec.Provider != "beta" {
		t.Fatalf("provider = %s, want proactive switch to beta", dec.Provider)
	}
	if rt.Switches()["coding"].Proactive != 1 {
		t.Fatalf("proactive switches = %d, want 1", rt.Switches()["coding"].Proactive)
	}
}

func TestAssignmentsTrackSticky(t *testing.T) {
	rt, _ := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
	)

	if _, err := rt.Select("coding", 1000, "alpha"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := rt.Assignments()["coding"]; got != "alpha" {
		t.Fatalf("assignment = %q, want alpha", got)
	}
}

func TestSelectPrefersCurrentTier(t *testing.T) {
	rt, reg := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
		spec("gamma", 2, 500000, "coding"),
	)

	// alpha cooling down: the replacement should stay on tier 5 (beta), not
	// jump to the better tier.
	reg.RecordThrottle("alpha")

	dec, err := rt.Select("coding", 5000, "alpha")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if dec.Provider != "beta" {
		t.Fatalf("provider = %s, want same-tier beta", dec.Provider)
	}
}

func TestSelectRoundRobinTieBreak(t *testing.T) {
	rt, _ := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
	)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		dec, err := rt.Select("coding", 5000, "")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		seen[dec.Provider]++
	}
	if seen["alpha"] != 2 || seen["beta"] != 2 {
		t.Fatalf("distribution = %v, want 2/2 round-robin", seen)
	}
}

func TestOnThrottleExcludesThrottledProvider(t *testing.T) {
	rt, reg := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
		spec("gamma", 2, 500000, "coding"),
	)

	// Put alpha in use for the workload first.
	if _, err := rt.Select("coding", 5000, "alpha"); err != nil {
		t.Fatalf("select: %v", err)
	}

	for i := 0; i < 6; i++ {
		dec, err := rt.OnThrottle("alpha")
		if err != nil {
			t.Fatalf("onThrottle: %v", err)
		}
		if dec.Provider == "alpha" {
			t.Fatal("onThrottle returned the throttled provider")
		}
		if !dec.Fallback || dec.FallbackFrom != "alpha" {
			t.Fatalf("decision = %+v, want fallback from alpha", dec)
		}
	}

	e, _ := reg.Entry("alpha")
	if !e.Tracker().InCooldown() {
		t.Fatal("alpha must be in cooldown after throttles")
	}
	if until := e.Tracker().CooldownUntil(); time.Until(until) < 60*time.Second {
		t.Fatalf("cooldown ends too soon: %v", time.Until(until))
	}
	if rt.Switches()["coding"].Reactive != 6 {
		t.Fatalf("reactive switches = %d, want 6", rt.Switches()["coding"].Reactive)
	}
}

func TestSelectLeastBadFallback(t *testing.T) {
	rt, reg := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
	)

	// Exhaust both providers' minute windows.
	reg.RecordRequest("alpha", 99000, 0, nil)
	reg.RecordRequest("beta", 99000, 0, nil)

	dec, err := rt.Select("coding", 50000, "")
	if err != nil {
		t.Fatalf("exhaustion must degrade, not refuse: %v", err)
	}
	if !dec.Fallback {
		t.Fatalf("decision = %+v, want least-bad fallback", dec)
	}
}

func TestSelectNoProviders(t *testing.T) {
	rt, _ := newTestRouter(t)
	_, err := rt.Select("coding", 1000, "")
	if !errors.Is(err, ErrNoModelAvailable) {
		t.Fatalf("err = %v, want ErrNoModelAvailable", err)
	}
}

func TestSelectAllInCooldown(t *testing.T) {
	rt, reg := newTestRouter(t,
		spec("alpha", 5, 100000, "coding"),
		spec("beta", 5, 100000, "coding"),
	)
	reg.RecordThrottle("alpha")
	reg.RecordThrottle("beta")

	_, err := rt.Select("coding", 1000, "")
	if !errors.Is(err, ErrNoModelAvailable) {
		t.Fatalf("err = %v, want ErrNoModelAvailable when everything cools down", err)
	}
}
