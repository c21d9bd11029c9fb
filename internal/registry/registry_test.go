package registry

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/modelgate/internal/capacity"
)

// stubCreds satisfies CredentialChecker with a fixed provider set.
type stubCreds map[string]bool

func (s stubCreds) Has(provider string) bool { return s[provider] }

func testSpecs() []ProviderSpec {
	return []ProviderSpec{
		{
			Name: "alpha",
			Budget: capacity.RateBudget{
				Provider: "alpha", Tier: 5, ContextWindow: 200000,
				TokensPerMinute: 100000, RequestsPerMinute: 60,
			},
			Workloads: []string{"coding"},
			Enabled:   true,
		},
		{
			Name: "beta",
			Budget: capacity.RateBudget{
				Provider: "beta", Tier: 5, ContextWindow: 200000,
				TokensPerMinute: 80000, RequestsPerMinute: 50,
			},
			Workloads: []string{"coding", "chat"},
			Enabled:   true,
		},
		{
			Name: "gamma",
			Budget: capacity.RateBudget{
				Provider: "gamma", Tier: 2, ContextWindow: 1000000,
				TokensPerMinute: 500000, RequestsPerMinute: 300,
			},
			Workloads: []string{"chat"},
			Enabled:   true,
		},
	}
}

func newTestRegistry(t *testing.T, creds CredentialChecker, opts ...Option) *Registry {
	t.Helper()
	r := New(zerolog.Nop(), creds, opts...)
	r.Init(testSpecs())
	return r
}

func names(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestAvailableForWorkloadFiltersTags(t *testing.T) {
	r := newTestRegistry(t, nil)

	got := names(r.AvailableForWorkload("coding", 1000, false))
	if len(got) != 2 {
		t.Fatalf("coding candidates = %v, want alpha and beta", got)
	}
	for _, n := range got {
		if n == "gamma" {
			t.Fatal("gamma is not tagged for coding")
		}
	}
}

func TestAvailableForWorkloadExcludesCooldown(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.RecordThrottle("alpha")

	got := names(r.AvailableForWorkload("coding", 1000, false))
	if len(got) != 1 || got[0] != "beta" {
		t.Fatalf("candidates = %v, want [beta]", got)
	}
}

func TestAvailableForWorkloadExcludesNonAdmitting(t *testing.T) {
	r := newTestRegistry(t, nil)

	// beta can only admit 80k/minute; an 90k request must exclude it.
	got := names(r.AvailableForWorkload("coding", 90000, false))
	if len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("candidates = %v, want [alpha]", got)
	}
}

func TestAvailableForWorkloadRequiresCredentials(t *testing.T) {
	r := newTestRegistry(t, stubCreds{"alpha": true})

	got := names(r.AvailableForWorkload("coding", 1000, true))
	if len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("candidates = %v, want [alpha] (beta has no credentials)", got)
	}

	// With requireCreds false both qualify.
	if got := names(r.AvailableForWorkload("coding", 1000, false)); len(got) != 2 {
		t.Fatalf("candidates without cred filter = %v, want 2", got)
	}
}

func TestAvailableForWorkloadOrdering(t *testing.T) {
	r := newTestRegistry(t, nil)

	// Push beta past 50% so alpha (same tier, better status) sorts first.
	r.RecordRequest("beta", 50000, 0, nil)

	got := names(r.AvailableForWorkload("coding", 1000, false))
	if len(got) != 2 || got[0] != "alpha" {
		t.Fatalf("candidates = %v, want alpha first", got)
	}
}

func TestTierFallbackForUntaggedProviders(t *testing.T) {
	specs := testSpecs()
	specs[2].Workloads = nil // gamma untagged

	r := New(zerolog.Nop(), nil, WithTierFallback(map[string][]int{"chat": {2}}))
	r.Init(specs)

	got := names(r.AvailableForWorkload("chat", 1000, false))
	want := map[string]bool{"beta": true, "gamma": true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Fatalf("chat candidates = %v, want beta and gamma (via tier fallback)", got)
	}

	// Untagged provider whose tier is not listed stays invisible.
	if got := names(r.AvailableForWorkload("coding", 1000, false)); len(got) != 2 {
		t.Fatalf("coding candidates = %v, want only the tagged pair", got)
	}
}

func TestInitIsIdempotentAndPreservesState(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.RecordRequest("alpha", 60000, 0, nil)

	r.Init(testSpecs())
	e, _ := r.Entry("alpha")
	if st := e.Tracker().Classify().State; st != capacity.StateApproaching {
		t.Fatalf("state after re-init = %v, want usage preserved (approaching)", st)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
}

func TestInitDisablesRemovedProviders(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Init(testSpecs()[:2]) // gamma gone

	e, ok := r.Entry("gamma")
	if !ok {
		t.Fatal("removed provider must stay registered")
	}
	if e.Tracker().Enabled() {
		t.Fatal("removed provider must be disabled")
	}
}

func TestRecordRequestAppliesHeaders(t *testing.T) {
	r := newTestRegistry(t, nil)

	h := http.Header{}
	h.Set("X-Ratelimit-Remaining-Tokens", "1000")
	h.Set("X-Ratelimit-Limit-Tokens", "100000")
	r.RecordRequest("alpha", 100, 50, h)

	e, _ := r.Entry("alpha")
	st := e.Tracker().Classify()
	if st.State != capacity.StateExhausted {
		t.Fatalf("state = %v, want exhausted from authoritative 1%% remaining", st.State)
	}
	if st.AvailableTokens != 1000 {
		t.Fatalf("available = %d, want authoritative 1000", st.AvailableTokens)
	}
}

func TestRecordRequestClearsCooldown(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.RecordThrottle("alpha")

	e, _ := r.Entry("alpha")
	if !e.Tracker().InCooldown() {
		t.Fatal("expected cooldown after throttle")
	}

	r.RecordRequest("alpha", 10, 10, nil)
	if e.Tracker().InCooldown() {
		t.Fatal("completed request must clear the cooldown")
	}
}

func TestRecordThrottleEscalates(t *testing.T) {
	r := newTestRegistry(t, nil, WithBaseCooldown(60*time.Second))

	if d := r.RecordThrottle("alpha"); d != 60*time.Second {
		t.Fatalf("first throttle cooldown = %v, want 60s", d)
	}
	if d := r.RecordThrottle("alpha"); d != 120*time.Second {
		t.Fatalf("second throttle cooldown = %v, want 120s", d)
	}
}

func TestSummary(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.RecordThrottle("beta")

	sum := r.Summary()
	if len(sum) != 3 {
		t.Fatalf("summary rows = %d, want 3", len(sum))
	}
	byName := make(map[string]ProviderStatus, len(sum))
	for _, row := range sum {
		byName[row.Name] = row
	}
	if !byName["beta"].InCooldown || byName["beta"].State != "cooldown" {
		t.Fatalf("beta row = %+v, want cooldown", byName["beta"])
	}
	if byName["gamma"].Tier != 2 {
		t.Fatalf("gamma tier = %d, want 2", byName["gamma"].Tier)
	}
}
