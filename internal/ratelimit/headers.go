// Package ratelimit normalizes the rate-limit response headers emitted by
// different upstream providers into one canonical snapshot, and decides
// when a provider is close enough to its limit that traffic should move
// away before the provider starts throttling.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// StalenessWindow is how long a parsed snapshot stays usable for proactive
// routing decisions. Older snapshots may still be displayed but must not
// trigger a switch.
const StalenessWindow = 120 * time.Second

// Snapshot holds the canonical rate-limit values extracted from a single
// upstream response. Fields that the response did not report are -1.
type Snapshot struct {
	TokensRemaining        int64
	TokensLimit            int64
	RequestsRemaining      int64
	RequestsLimit          int64
	DailyTokensRemaining   int64
	DailyTokensLimit       int64
	DailyRequestsRemaining int64
	DailyRequestsLimit     int64

	// ResetAfter is the time until the most specific reported window resets.
	ResetAfter time.Duration
	// RetryAfter is the upstream's minimum-wait hint, when present.
	RetryAfter time.Duration

	Observed time.Time
}

// Stale reports whether the snapshot is too old to drive a proactive switch.
func (s *Snapshot) Stale(now time.Time) bool {
	return now.Sub(s.Observed) > StalenessWindow
}

// field identifies a canonical snapshot field a header can populate.
type field int

const (
	fieldTokensRemaining field = iota
	fieldTokensLimit
	fieldRequestsRemaining
	fieldRequestsLimit
	fieldDailyTokensRemaining
	fieldDailyTokensLimit
	fieldDailyRequestsRemaining
	fieldDailyRequestsLimit
	fieldResetAfter
	fieldRetryAfter
)

// headerRule maps one provider header name onto a canonical field. The value
// function normalizes the raw header value; counts become plain integers and
// time-flavoured values become seconds.
type headerRule struct {
	name  string
	field field
	value func(string) (int64, bool)
}

// headerTable is the ordered provider vocabulary. The first rule that yields
// a value for a field wins; later rules for the same field are skipped.
// Adding a provider means adding rows here, not code.
var headerTable = []headerRule{
	// Anthropic family.
	{"anthropic-ratelimit-tokens-remaining", fieldTokensRemaining, parseCount},
	{"anthropic-ratelimit-tokens-limit", fieldTokensLimit, parseCount},
	{"anthropic-ratelimit-input-tokens-remaining", fieldTokensRemaining, parseCount},
	{"anthropic-ratelimit-input-tokens-limit", fieldTokensLimit, parseCount},
	{"anthropic-ratelimit-requests-remaining", fieldRequestsRemaining, parseCount},
	{"anthropic-ratelimit-requests-limit", fieldRequestsLimit, parseCount},
	{"anthropic-ratelimit-tokens-reset", fieldResetAfter, parseResetSeconds},
	{"anthropic-ratelimit-requests-reset", fieldResetAfter, parseResetSeconds},

	// OpenAI family.
	{"x-ratelimit-remaining-tokens", fieldTokensRemaining, parseCount},
	{"x-ratelimit-limit-tokens", fieldTokensLimit, parseCount},
	{"x-ratelimit-remaining-requests", fieldRequestsRemaining, parseCount},
	{"x-ratelimit-limit-requests", fieldRequestsLimit, parseCount},
	{"x-ratelimit-reset-tokens", fieldResetAfter, parseResetSeconds},
	{"x-ratelimit-reset-requests", fieldResetAfter, parseResetSeconds},

	// Daily counters (Google-style and gateway-added variants).
	{"x-ratelimit-remaining-tokens-day", fieldDailyTokensRemaining, parseCount},
	{"x-ratelimit-limit-tokens-day", fieldDailyTokensLimit, parseCount},
	{"x-ratelimit-remaining-requests-day", fieldDailyRequestsRemaining, parseCount},
	{"x-ratelimit-limit-requests-day", fieldDailyRequestsLimit, parseCount},

	// Generic single-window fallback used by several smaller providers.
	{"x-ratelimit-remaining", fieldRequestsRemaining, parseCount},
	{"x-ratelimit-limit", fieldRequestsLimit, parseCount},
	{"x-ratelimit-reset", fieldResetAfter, parseResetSeconds},

	{"retry-after", fieldRetryAfter, parseRetryAfter},
}

// Parse extracts a canonical Snapshot from the given response headers.
// Missing or malformed values are skipped field by field; a partial parse is
// valid. If no rule matched at all, Parse returns nil.
func Parse(headers http.Header) *Snapshot {
	if headers == nil {
		return nil
	}

	snap := &Snapshot{
		TokensRemaining:        -1,
		TokensLimit:            -1,
		RequestsRemaining:      -1,
		RequestsLimit:          -1,
		DailyTokensRemaining:   -1,
		DailyTokensLimit:       -1,
		DailyRequestsRemaining: -1,
		DailyRequestsLimit:     -1,
		ResetAfter:             -1,
		RetryAfter:             -1,
		Observed:               time.Now(),
	}

	seen := make(map[field]bool, len(headerTable))
	matched := false

	for _, rule := range headerTable {
		if seen[rule.field] {
			continue
		}
		raw := headers.Get(rule.name)
		if raw == "" {
			continue
		}
		v, ok := rule.value(raw)
		if !ok {
			continue
		}
		seen[rule.field] = true
		matched = true

		switch rule.field {
		case fieldTokensRemaining:
			snap.TokensRemaining = v
		case fieldTokensLimit:
			snap.TokensLimit = v
		case fieldRequestsRemaining:
			snap.RequestsRemaining = v
		case fieldRequestsLimit:
			snap.RequestsLimit = v
		case fieldDailyTokensRemaining:
			snap.DailyTokensRemaining = v
		case fieldDailyTokensLimit:
			snap.DailyTokensLimit = v
		case fieldDailyRequestsRemaining:
			snap.DailyRequestsRemaining = v
		case fieldDailyRequestsLimit:
			snap.DailyRequestsLimit = v
		case fieldResetAfter:
			snap.ResetAfter = time.Duration(v) * time.Second
		case fieldRetryAfter:
			snap.RetryAfter = time.Duration(v) * time.Second
		}
	}

	if !matched {
		return nil
	}
	return snap
}

// parseCount parses a plain non-negative integer count.
func parseCount(raw string) (int64, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseResetSeconds normalizes the reset-time vocabularies to seconds from
// now. Accepted forms: plain seconds ("30"), Go-style durations ("6m0s",
// "10s") as sent by OpenAI, and RFC 3339 timestamps as sent by Anthropic.
func parseResetSeconds(raw string) (int64, bool) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
		return n, true
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return int64(d.Seconds()), true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		secs := int64(time.Until(ts).Seconds())
		if secs < 0 {
			secs = 0
		}
		return secs, true
	}
	return 0, false
}

// parseRetryAfter parses a Retry-After value: integer seconds or an HTTP-date.
func parseRetryAfter(raw string) (int64, bool) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
		return n, true
	}
	if ts, err := http.ParseTime(raw); err == nil {
		secs := int64(time.Until(ts).Seconds())
		if secs < 0 {
			secs = 0
		}
		return secs, true
	}
	return 0, false
}
