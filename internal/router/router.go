// Package router picks a provider per workload call. It prefers stability:
// a healthy current provider is kept, fallback first searches the current
// provider's tier, and equal candidates rotate through a round-robin cursor
// so load spreads instead of hammering one member.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/modelgate/internal/capacity"
	"github.com/allaspectsdev/modelgate/internal/ratelimit"
	"github.com/allaspectsdev/modelgate/internal/registry"
)

// ErrNoModelAvailable is returned when no provider at all can take the call.
// "Busy" states never produce this; only a registry with nothing usable does.
var ErrNoModelAvailable = errors.New("router: no model available")

// DefaultSmallRequestTokens is the size under which a request may stay on a
// provider whose capacity is already low.
const DefaultSmallRequestTokens = 2000

// SwitchStats counts how often a workload moved providers, split by whether
// the move was proactive (before a throttle) or reactive (after one).
type SwitchStats struct {
	Proactive int64 `json:"proactive"`
	Reactive  int64 `json:"reactive"`
}

// Router makes per-workload selection decisions against a Registry.
// All methods are safe for concurrent use.
type Router struct {
	mu sync.Mutex

	reg *registry.Registry

	// sticky remembers the last decision per workload.
	sticky map[string]string
	// cursors holds the round-robin position per workload/tier pair.
	cursors map[cursorKey]int
	// lastWorkload remembers which workload last used each provider, so a
	// throttle report can be routed back to the right selection state.
	lastWorkload map[string]string

	switches map[string]*SwitchStats

	// degraded marks workloads that already logged a least-bad fallback
	// warning, so exhaustion warns once and not once per request.
	degraded map[string]bool

	// gate turns authoritative remaining-capacity headers into proactive
	// switch triggers; nearLimit holds the providers it has flagged until
	// the next selection acts on the flag.
	gate      *ratelimit.Gate
	nearLimit map[string]bool

	smallRequestTokens int
	proactiveThreshold float64
	requireCreds       bool

	// onSwitch, when set, is called with reactive=true for throttle-driven
	// switches and false for proactive ones.
	onSwitch func(reactive bool)

	logger zerolog.Logger
}

type cursorKey struct {
	workload string
	tier     int
}

// Option configures a Router.
type Option func(*Router)

// WithSmallRequestTokens overrides the small-request threshold.
func WithSmallRequestTokens(n int) Option {
	return func(rt *Router) {
		if n > 0 {
			rt.smallRequestTokens = n
		}
	}
}

// WithProactiveThreshold overrides the remaining-capacity fraction below
// which reported headers trigger a proactive switch.
func WithProactiveThreshold(f float64) Option {
	return func(rt *Router) {
		if f > 0 && f < 1 {
			rt.proactiveThreshold = f
		}
	}
}

// WithRequireCredentials controls whether providers without stored
// credentials are excluded from selection. Defaults to true.
func WithRequireCredentials(require bool) Option {
	return func(rt *Router) { rt.requireCreds = require }
}

// WithSwitchObserver registers a callback invoked once per provider switch.
func WithSwitchObserver(fn func(reactive bool)) Option {
	return func(rt *Router) { rt.onSwitch = fn }
}

// New creates a Router over the given registry.
func New(reg *registry.Registry, logger zerolog.Logger, opts ...Option) *Router {
	rt := &Router{
		reg:                reg,
		sticky:             make(map[string]string),
		cursors:            make(map[cursorKey]int),
		lastWorkload:       make(map[string]string),
		switches:           make(map[string]*SwitchStats),
		degraded:           make(map[string]bool),
		nearLimit:          make(map[string]bool),
		smallRequestTokens: DefaultSmallRequestTokens,
		proactiveThreshold: ratelimit.DefaultProactiveThreshold,
		requireCreds:       true,
		logger:             logger,
	}
	for _, o := range opts {
		o(rt)
	}
	rt.gate = ratelimit.NewGate(rt.proactiveThreshold, ratelimit.DefaultSuppression)
	return rt
}

// Select picks a provider for the workload and estimated request size.
// current, when non-empty, is the provider the caller is already on; it is
// kept whenever its status allows, so healthy traffic does not churn.
func (rt *Router) Select(workload string, estTokens int, current string) (*Decision, error) {
	return rt.selectExcluding(workload, estTokens, current, "")
}

// RecordSuccess forwards a completed call into the registry, keeps the
// provider→workload association current, and checks the response's
// rate-limit headers against the near-limit gate. A trigger flags the
// provider so the next selection moves traffic off it before a throttle.
func (rt *Router) RecordSuccess(provider, workload string, tokensIn, tokensOut int, headers http.Header) {
	rt.reg.RecordRequest(provider, tokensIn, tokensOut, headers)

	rt.mu.Lock()
	rt.lastWorkload[provider] = workload
	rt.mu.Unlock()

	if headers == nil {
		return
	}
	if ok, reason := rt.gate.ShouldSwitch(provider, ratelimit.Parse(headers)); ok {
		rt.mu.Lock()
		rt.nearLimit[provider] = true
		rt.mu.Unlock()
		rt.logger.Info().
			Str("provider", provider).
			Str("workload", workload).
			Str("reason", reason).
			Msg("provider near reported limit; switching proactively")
	}
}

// RecordThrottle forwards a throttle into the registry without re-selecting.
func (rt *Router) RecordThrottle(provider string) {
	rt.reg.RecordThrottle(provider)
}

// OnThrottle records the throttle and immediately returns a fresh decision
// for the provider's workload that excludes the throttled provider. Callers
// retry the call once against the returned provider.
func (rt *Router) OnThrottle(provider string) (*Decision, error) {
	rt.reg.RecordThrottle(provider)

	rt.mu.Lock()
	workload, ok := rt.lastWorkload[provider]
	if !ok {
		workload = "default"
	}
	rt.statsLocked(workload).Reactive++
	rt.mu.Unlock()
	if rt.onSwitch != nil {
		rt.onSwitch(true)
	}

	dec, err := rt.selectExcluding(workload, rt.smallRequestTokens, "", provider)
	if err != nil {
		return nil, err
	}
	dec.Fallback = true
	dec.FallbackFrom = provider
	return dec, nil
}

// Assignments returns the provider each workload last settled on.
func (rt *Router) Assignments() map[string]string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]string, len(rt.sticky))
	for w, p := range rt.sticky {
		out[w] = p
	}
	return out
}

// Switches returns a copy of the per-workload switch counters.
func (rt *Router) Switches() map[string]SwitchStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]SwitchStats, len(rt.switches))
	for w, s := range rt.switches {
		out[w] = *s
	}
	return out
}

func (rt *Router) selectExcluding(workload string, estTokens int, current, exclude string) (*Decision, error) {
	if rt.reg.Len() == 0 {
		return nil, fmt.Errorf("no providers configured: %w", ErrNoModelAvailable)
	}

	// Stability first: keep the current provider while it is healthy, and
	// even at low capacity for small requests.
	if current != "" && current != exclude {
		if dec := rt.keepCurrent(workload, estTokens, current); dec != nil {
			return dec, nil
		}
	}

	cands := rt.reg.AvailableForWorkload(workload, estTokens, rt.requireCreds)
	cands = without(cands, exclude)

	// When the caller was on a provider, prefer staying inside its tier
	// before widening to the full candidate set.
	if current != "" {
		if cur, ok := rt.reg.Entry(current); ok {
			tier := cur.Tracker().Budget().Tier
			if same := withTier(cands, tier); len(same) > 0 {
				cands = same
			}
		}
	}

	if len(cands) > 0 {
		chosen, status := rt.rotate(workload, cands)
		rt.commit(workload, current, chosen.Name)
		reason := "best available candidate"
		if current != "" {
			reason = fmt.Sprintf("switched away from %s", current)
		}
		return &Decision{
			Provider:        chosen.Name,
			Workload:        workload,
			Reason:          reason,
			State:           status.State,
			AvailableTokens: status.AvailableTokens,
		}, nil
	}

	// Degraded path: no workload candidate at all. Fall back to the least
	// bad provider registry-wide rather than refusing, warning once.
	usable := without(rt.reg.AnyUsable(), exclude)
	if len(usable) > 0 {
		chosen := usable[0]
		status := chosen.Tracker().Classify()
		rt.commit(workload, current, chosen.Name)
		rt.warnDegraded(workload, chosen.Name)
		return &Decision{
			Provider:        chosen.Name,
			Workload:        workload,
			Reason:          "all workload candidates exhausted; using least-bad provider",
			State:           status.State,
			AvailableTokens: status.AvailableTokens,
			Fallback:        true,
			FallbackFrom:    current,
		}, nil
	}

	return nil, fmt.Errorf("workload %q: %w", workload, ErrNoModelAvailable)
}

// keepCurrent returns a sticky decision when the current provider's status
// allows staying, or nil when a switch is needed.
func (rt *Router) keepCurrent(workload string, estTokens int, current string) *Decision {
	rt.mu.Lock()
	flagged := rt.nearLimit[current]
	if flagged {
		delete(rt.nearLimit, current)
	}
	rt.mu.Unlock()
	if flagged {
		return nil
	}

	e, ok := rt.reg.Entry(current)
	if !ok || !e.Tracker().Enabled() {
		return nil
	}
	if rt.requireCreds && !rt.reg.HasCredentials(current) {
		return nil
	}
	st := e.Tracker().Classify()

	keep := false
	switch st.State {
	case capacity.StateAvailable, capacity.StateApproaching:
		keep = e.Tracker().CanAdmit(estTokens)
	case capacity.StateLow:
		keep = estTokens <= rt.smallRequestTokens && e.Tracker().CanAdmit(estTokens)
	}
	if !keep {
		return nil
	}

	rt.mu.Lock()
	rt.sticky[workload] = current
	rt.lastWorkload[current] = workload
	rt.degraded[workload] = false
	rt.mu.Unlock()

	return &Decision{
		Provider:        current,
		Workload:        workload,
		Reason:          "current provider healthy",
		State:           st.State,
		AvailableTokens: st.AvailableTokens,
	}
}

// rotate picks from the leading group of equally ranked candidates using the
// per-workload/tier round-robin cursor, advancing the cursor each call.
func (rt *Router) rotate(workload string, cands []*registry.Entry) (*registry.Entry, capacity.Status) {
	best := cands[0]
	bestStatus := best.Tracker().Classify()
	tier := best.Tracker().Budget().Tier

	group := []*registry.Entry{best}
	for _, e := range cands[1:] {
		if e.Tracker().Budget().Tier != tier {
			break
		}
		st := e.Tracker().Classify()
		if st.State != bestStatus.State {
			break
		}
		group = append(group, e)
	}

	rt.mu.Lock()
	key := cursorKey{workload: workload, tier: tier}
	idx := rt.cursors[key] % len(group)
	rt.cursors[key]++
	rt.mu.Unlock()

	chosen := group[idx]
	return chosen, chosen.Tracker().Classify()
}

// commit records the selection and counts a proactive switch when traffic
// moved off a provider without a throttle.
func (rt *Router) commit(workload, previous, chosen string) {
	moved := previous != "" && previous != chosen

	rt.mu.Lock()
	rt.sticky[workload] = chosen
	rt.lastWorkload[chosen] = workload
	if moved {
		rt.statsLocked(workload).Proactive++
	}
	rt.mu.Unlock()

	if moved && rt.onSwitch != nil {
		rt.onSwitch(false)
	}
}

func (rt *Router) statsLocked(workload string) *SwitchStats {
	s, ok := rt.switches[workload]
	if !ok {
		s = &SwitchStats{}
		rt.switches[workload] = s
	}
	return s
}

// warnDegraded logs the least-bad fallback once per degradation episode.
func (rt *Router) warnDegraded(workload, chosen string) {
	rt.mu.Lock()
	already := rt.degraded[workload]
	rt.degraded[workload] = true
	rt.mu.Unlock()
	if !already {
		rt.logger.Warn().
			Str("workload", workload).
			Str("provider", chosen).
			Msg("every candidate for workload is exhausted; falling back to least-bad provider")
	}
}

func without(entries []*registry.Entry, name string) []*registry.Entry {
	if name == "" {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Name != name {
			out = append(out, e)
		}
	}
	return out
}

func withTier(entries []*registry.Entry, tier int) []*registry.Entry {
	var out []*registry.Entry
	for _, e := range entries {
		if e.Tracker().Budget().Tier == tier {
			out = append(out, e)
		}
	}
	return out
}
