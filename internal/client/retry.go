package client

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// isRetryableStatus returns true if the HTTP status code indicates a
// transient condition that may succeed on retry.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isAuthStatus returns true for the statuses that look like a credential
// problem rather than a capacity one.
func isAuthStatus(statusCode int) bool {
	return statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden
}

// backoffDelay calculates the wait before the next attempt: exponential in
// the attempt number, then up to 25% jitter, clamped to maxDelay. A
// non-negative hint is an explicit upstream wait and replaces the computed
// backoff outright, so Retry-After: 0 retries at once. hint < 0 means the
// upstream reported nothing.
func backoffDelay(attempt int, base, maxDelay, hint time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	exp := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * exp)

	if hint >= 0 {
		delay = hint
	}

	// Additive jitter in [0, delay/4) spreads synchronized retries.
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}

	if delay > maxDelay && maxDelay > 0 {
		delay = maxDelay
	}
	return delay
}

// sleepWithContext sleeps for the given duration, returning early if the
// context is cancelled. Returns ctx.Err() if cancelled, nil otherwise.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
