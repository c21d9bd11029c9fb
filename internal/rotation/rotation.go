// Package rotation is the simpler alternative to the router: the caller
// supplies a fixed provider list and the rotator cycles through it, leaning
// on the registry to skip members that are cooling down or out of capacity.
package rotation

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/modelgate/internal/capacity"
	"github.com/allaspectsdev/modelgate/internal/registry"
)

const (
	// DefaultRotateEvery is how many calls stay on a member before advancing.
	DefaultRotateEvery = 10
	// DefaultMaxLocalErrors is the consecutive local error count that marks
	// a member unhealthy.
	DefaultMaxLocalErrors = 3
	// retryEligibleAfter is how long after its last local error an
	// error-disabled member becomes selectable again.
	retryEligibleAfter = 60 * time.Second
)

// ErrEmptyRotation is returned when a Rotator is built with no providers.
var ErrEmptyRotation = errors.New("rotation: provider list is empty")

type memberState struct {
	consecutiveErrors int
	lastError         time.Time
}

// Rotator cycles a fixed provider list. All methods are safe for
// concurrent use.
type Rotator struct {
	mu             sync.Mutex
	reg            *registry.Registry
	providers      []string
	rotateEvery    int
	maxLocalErrors int
	cursor         int
	callsOnCurrent int
	members        map[string]*memberState
	logger         zerolog.Logger

	now func() time.Time
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithRotateEvery sets how many calls each member serves before rotation.
func WithRotateEvery(n int) Option {
	return func(rt *Rotator) {
		if n > 0 {
			rt.rotateEvery = n
		}
	}
}

// WithMaxLocalErrors sets the consecutive local error threshold.
func WithMaxLocalErrors(n int) Option {
	return func(rt *Rotator) {
		if n > 0 {
			rt.maxLocalErrors = n
		}
	}
}

// New creates a Rotator over the given providers, in order.
func New(reg *registry.Registry, providers []string, logger zerolog.Logger, opts ...Option) (*Rotator, error) {
	if len(providers) == 0 {
		return nil, ErrEmptyRotation
	}
	rt := &Rotator{
		reg:            reg,
		providers:      append([]string(nil), providers...),
		rotateEvery:    DefaultRotateEvery,
		maxLocalErrors: DefaultMaxLocalErrors,
		members:        make(map[string]*memberState, len(providers)),
		logger:         logger,
		now:            time.Now,
	}
	for _, p := range providers {
		rt.members[p] = &memberState{}
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// Next returns the provider for the next call. It stays on the current
// member for rotateEvery calls, advances past unhealthy members, and when
// every member is unhealthy falls back to the least-recently-failed one.
func (rt *Rotator) Next() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.callsOnCurrent >= rt.rotateEvery {
		rt.advanceLocked()
	}

	if !rt.healthyLocked(rt.providers[rt.cursor]) {
		if idx, ok := rt.nextHealthyLocked(rt.cursor); ok {
			rt.moveToLocked(idx)
		} else {
			idx := rt.leastRecentlyFailedLocked()
			rt.logger.Warn().
				Str("provider", rt.providers[idx]).
				Msg("all rotation members unhealthy, using least-recently-failed")
			rt.moveToLocked(idx)
		}
	}

	rt.callsOnCurrent++
	return rt.providers[rt.cursor]
}

// OnRateLimited reports a rate-limit failure on provider mid-call and
// returns the next healthy member to try once. ok is false when no other
// healthy member exists, in which case the caller surfaces the failure.
func (rt *Rotator) OnRateLimited(provider string) (string, bool) {
	rt.reg.RecordThrottle(provider)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.noteErrorLocked(provider)

	start := rt.indexOf(provider)
	if start < 0 {
		start = rt.cursor
	}
	idx, ok := rt.nextHealthyLocked(start)
	if !ok {
		return "", false
	}
	rt.moveToLocked(idx)
	rt.callsOnCurrent++
	return rt.providers[idx], true
}

// RecordSuccess clears the local error streak for a member.
func (rt *Rotator) RecordSuccess(provider string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if m, ok := rt.members[provider]; ok {
		m.consecutiveErrors = 0
	}
}

// RecordError notes a local (non-throttle) failure for a member.
func (rt *Rotator) RecordError(provider string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.noteErrorLocked(provider)
}

// Current returns the member the rotator is parked on, without counting
// a call.
func (rt *Rotator) Current() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.providers[rt.cursor]
}

func (rt *Rotator) noteErrorLocked(provider string) {
	m, ok := rt.members[provider]
	if !ok {
		return
	}
	m.consecutiveErrors++
	m.lastError = rt.now()
}

func (rt *Rotator) advanceLocked() {
	rt.moveToLocked((rt.cursor + 1) % len(rt.providers))
}

func (rt *Rotator) moveToLocked(idx int) {
	if idx != rt.cursor {
		rt.logger.Debug().
			Str("from", rt.providers[rt.cursor]).
			Str("to", rt.providers[idx]).
			Msg("rotating provider")
	}
	rt.cursor = idx
	rt.callsOnCurrent = 0
}

// nextHealthyLocked scans forward from after start and returns the first
// healthy index, wrapping around but excluding start itself.
func (rt *Rotator) nextHealthyLocked(start int) (int, bool) {
	for i := 1; i <= len(rt.providers); i++ {
		idx := (start + i) % len(rt.providers)
		if idx == start {
			continue
		}
		if rt.healthyLocked(rt.providers[idx]) {
			return idx, true
		}
	}
	return 0, false
}

func (rt *Rotator) healthyLocked(provider string) bool {
	if m := rt.members[provider]; m != nil && m.consecutiveErrors >= rt.maxLocalErrors {
		if rt.now().Sub(m.lastError) < retryEligibleAfter {
			return false
		}
		// Past the re-eligibility window the member gets another chance.
		m.consecutiveErrors = 0
	}

	entry, ok := rt.reg.Entry(provider)
	if !ok {
		return false
	}
	switch entry.Tracker().Classify().State {
	case capacity.StateCooldown, capacity.StateExhausted:
		return false
	default:
		return true
	}
}

// leastRecentlyFailedLocked picks the member whose last error is oldest.
// Members that never failed sort first.
func (rt *Rotator) leastRecentlyFailedLocked() int {
	best := 0
	for i := 1; i < len(rt.providers); i++ {
		mi := rt.members[rt.providers[i]]
		mb := rt.members[rt.providers[best]]
		if mi.lastError.Before(mb.lastError) {
			best = i
		}
	}
	return best
}

func (rt *Rotator) indexOf(provider string) int {
	for i, p := range rt.providers {
		if p == provider {
			return i
		}
	}
	return -1
}
