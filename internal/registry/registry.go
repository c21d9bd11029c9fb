// Package registry aggregates the capacity trackers of every configured
// provider and answers the central routing question: which providers can
// serve a given workload and request size right now.
package registry

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/modelgate/internal/capacity"
	"github.com/allaspectsdev/modelgate/internal/ratelimit"
)

// DefaultBaseCooldown is the starting cooldown applied on the first throttle
// of a streak.
const DefaultBaseCooldown = 60 * time.Second

// CredentialChecker reports whether usable credentials exist for a provider.
// The vault implements it; tests use a stub.
type CredentialChecker interface {
	Has(provider string) bool
}

// ProviderSpec is the startup description of one provider: its static budget,
// the workloads it is tagged for, and whether it is administratively enabled.
type ProviderSpec struct {
	Name      string
	Budget    capacity.RateBudget
	Workloads []string
	Enabled   bool
}

// Entry is the registry's live record for one provider. Entries are created
// at initialization and mutated in place; they are never destroyed, only
// disabled.
type Entry struct {
	Name      string
	mu        sync.RWMutex
	workloads []string
	tracker   *capacity.Tracker
}

// Tracker exposes the entry's capacity tracker.
func (e *Entry) Tracker() *capacity.Tracker {
	return e.tracker
}

// Workloads returns a copy of the workload tags.
func (e *Entry) Workloads() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.workloads))
	copy(out, e.workloads)
	return out
}

func (e *Entry) servesWorkload(workload string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, w := range e.workloads {
		if w == workload {
			return true
		}
	}
	return false
}

func (e *Entry) tagged() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.workloads) > 0
}

// ProviderStatus is one row of the monitoring summary.
type ProviderStatus struct {
	Name            string    `json:"name"`
	Tier            int       `json:"tier"`
	Plan            string    `json:"plan,omitempty"`
	State           string    `json:"state"`
	AvailableTokens int64     `json:"available_tokens"`
	InCooldown      bool      `json:"in_cooldown"`
	CooldownUntil   time.Time `json:"cooldown_until,omitzero"`
	Failures        int       `json:"consecutive_failures"`
	Enabled         bool      `json:"enabled"`
}

// Registry owns every provider entry. The registry mutex only guards the
// entry map itself; per-provider state lives behind each tracker's own lock,
// so whole-registry scans never serialize individual request recording and
// no lock is ever held across network I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string

	creds        CredentialChecker
	baseCooldown time.Duration

	// tierFallback maps a workload onto the tiers whose untagged providers
	// may serve it. Treated as configuration, not built-in heuristics.
	tierFallback map[string][]int

	logger zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithBaseCooldown overrides the starting throttle cooldown.
func WithBaseCooldown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.baseCooldown = d
		}
	}
}

// WithTierFallback sets the workload → eligible-tiers table used for
// providers that carry no workload tags.
func WithTierFallback(m map[string][]int) Option {
	return func(r *Registry) { r.tierFallback = m }
}

// New creates an empty Registry. Call Init to load providers.
func New(logger zerolog.Logger, creds CredentialChecker, opts ...Option) *Registry {
	r := &Registry{
		entries:      make(map[string]*Entry),
		creds:        creds,
		baseCooldown: DefaultBaseCooldown,
		logger:       logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init loads or reloads the provider set. It is idempotent: existing entries
// keep their usage state and are updated in place, new providers are added,
// and providers missing from the new set are disabled rather than removed.
func (r *Registry) Init(specs []ProviderSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		seen[spec.Name] = true
		if e, ok := r.entries[spec.Name]; ok {
			e.mu.Lock()
			e.workloads = append([]string(nil), spec.Workloads...)
			e.mu.Unlock()
			e.tracker.SetEnabled(spec.Enabled)
			continue
		}
		e := &Entry{
			Name:      spec.Name,
			workloads: append([]string(nil), spec.Workloads...),
			tracker:   capacity.NewTracker(spec.Budget),
		}
		e.tracker.SetEnabled(spec.Enabled)
		r.entries[spec.Name] = e
		r.order = append(r.order, spec.Name)
	}

	for name, e := range r.entries {
		if !seen[name] {
			e.tracker.SetEnabled(false)
			r.logger.Info().Str("provider", name).Msg("provider removed from config, disabling")
		}
	}
}

// Entry returns the entry for a provider, if registered.
func (r *Registry) Entry(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// HasCredentials reports whether usable credentials exist for the named
// provider. Vacuously true when no checker is configured.
func (r *Registry) HasCredentials(name string) bool {
	return r.creds == nil || r.creds.Has(name)
}

// Len returns the number of registered providers, including disabled ones.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// candidate pairs an entry with the status captured during a scan, so the
// sort below works on one consistent observation per provider.
type candidate struct {
	entry  *Entry
	status capacity.Status
}

// AvailableForWorkload returns the providers able to serve the workload and
// estimated request size, best first. Eligibility: tagged for the workload
// (or reachable through the tier fallback table when untagged), credentials
// present when required, not in cooldown or exhausted, and able to admit the
// estimated token count. Ordering: status severity, then tier, then most
// available tokens.
func (r *Registry) AvailableForWorkload(workload string, estTokens int, requireCreds bool) []*Entry {
	cands := r.scan(func(e *Entry, st capacity.Status) bool {
		if !e.servesWorkload(workload) {
			if e.tagged() || !r.tierEligible(workload, e.tracker.Budget().Tier) {
				return false
			}
		}
		if requireCreds && r.creds != nil && !r.creds.Has(e.Name) {
			return false
		}
		if !st.State.Usable() {
			return false
		}
		return e.tracker.CanAdmit(estTokens)
	})

	sortCandidates(cands)
	out := make([]*Entry, len(cands))
	for i, c := range cands {
		out[i] = c.entry
	}
	return out
}

// AnyUsable returns every provider not in cooldown, regardless of workload
// tags or admission, best first. It backs the last-resort fallback path.
func (r *Registry) AnyUsable() []*Entry {
	cands := r.scan(func(e *Entry, st capacity.Status) bool {
		return e.tracker.Enabled() && st.State != capacity.StateCooldown
	})
	sortCandidates(cands)
	out := make([]*Entry, len(cands))
	for i, c := range cands {
		out[i] = c.entry
	}
	return out
}

// RecordRequest records a completed (non-throttled) request: usage counters,
// failure-streak reset, and any rate-limit headers the response carried.
// Threshold-crossing warnings are logged here, once per window reset.
func (r *Registry) RecordRequest(provider string, tokensIn, tokensOut int, headers http.Header) {
	e, ok := r.Entry(provider)
	if !ok {
		return
	}

	crossed := e.tracker.RecordCompletedRequest(tokensIn, tokensOut)
	for _, w := range crossed {
		r.logger.Warn().
			Str("provider", provider).
			Str("window", w).
			Msg("provider usage crossed 80% of window budget")
	}

	e.tracker.ClearFailureStreak()

	if headers != nil {
		if snap := ratelimit.Parse(headers); snap != nil {
			e.tracker.ApplySnapshot(snap)
		}
	}
}

// RecordThrottle escalates the provider's cooldown using the registry's base
// duration and returns the cooldown that was applied.
func (r *Registry) RecordThrottle(provider string) time.Duration {
	e, ok := r.Entry(provider)
	if !ok {
		return 0
	}
	d := e.tracker.RecordThrottled(r.baseCooldown)
	r.logger.Warn().
		Str("provider", provider).
		Dur("cooldown", d).
		Int("consecutive_failures", e.tracker.ConsecutiveFailures()).
		Msg("provider throttled, entering cooldown")
	return d
}

// SetEnabled flips a provider's administrative flag.
func (r *Registry) SetEnabled(provider string, enabled bool) {
	if e, ok := r.Entry(provider); ok {
		e.tracker.SetEnabled(enabled)
	}
}

// Summary returns the monitoring view of every provider, sorted by name.
func (r *Registry) Summary() []ProviderStatus {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		e, ok := r.Entry(name)
		if !ok {
			continue
		}
		st := e.tracker.Classify()
		b := e.tracker.Budget()
		out = append(out, ProviderStatus{
			Name:            name,
			Tier:            b.Tier,
			Plan:            b.Plan,
			State:           st.State.String(),
			AvailableTokens: st.AvailableTokens,
			InCooldown:      e.tracker.InCooldown(),
			CooldownUntil:   e.tracker.CooldownUntil(),
			Failures:        e.tracker.ConsecutiveFailures(),
			Enabled:         e.tracker.Enabled(),
		})
	}
	return out
}

// scan snapshots every entry's status under the read lock and filters with
// keep. Status derivation takes per-tracker locks only; nothing here touches
// the network.
func (r *Registry) scan(keep func(*Entry, capacity.Status) bool) []candidate {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, r.entries[name])
	}
	r.mu.RUnlock()

	var cands []candidate
	for _, e := range entries {
		st := e.tracker.Classify()
		if keep(e, st) {
			cands = append(cands, candidate{entry: e, status: st})
		}
	}
	return cands
}

func (r *Registry) tierEligible(workload string, tier int) bool {
	tiers, ok := r.tierFallback[workload]
	if !ok {
		return false
	}
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := cands[i], cands[j]
		if si.status.State != sj.status.State {
			return si.status.State < sj.status.State
		}
		ti, tj := si.entry.tracker.Budget().Tier, sj.entry.tracker.Budget().Tier
		if ti != tj {
			return ti < tj
		}
		return si.status.AvailableTokens > sj.status.AvailableTokens
	})
}
