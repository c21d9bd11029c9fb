// Package metrics tracks live routing counters using atomics for
// lock-free, concurrent-safe updates, and renders them as JSON or
// Prometheus text.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Collector is the in-memory real-time view of routing activity. All
// methods are safe for concurrent use.
type Collector struct {
	totalRequests     int64
	totalRetries      int64
	totalThrottles    int64
	proactiveSwitches int64
	reactiveSwitches  int64
	tokensIn          int64
	tokensOut         int64
	activeRequests    int64

	providerRequests *counterVec

	startTime time.Time
}

// Stats is a point-in-time snapshot of the collector's counters, suitable
// for JSON serialization on the status endpoint.
type Stats struct {
	Uptime            string `json:"uptime"`
	TotalRequests     int64  `json:"total_requests"`
	TotalRetries      int64  `json:"total_retries"`
	TotalThrottles    int64  `json:"total_throttles"`
	ProactiveSwitches int64  `json:"proactive_switches"`
	ReactiveSwitches  int64  `json:"reactive_switches"`
	TokensIn          int64  `json:"tokens_in"`
	TokensOut         int64  `json:"tokens_out"`
	ActiveRequests    int64  `json:"active_requests"`
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		providerRequests: newCounterVec("provider", "status"),
		startTime:        time.Now(),
	}
}

// RecordCall atomically updates the counters from one completed upstream
// call.
func (c *Collector) RecordCall(provider string, statusCode, tokensIn, tokensOut, retries int) {
	atomic.AddInt64(&c.totalRequests, 1)
	atomic.AddInt64(&c.totalRetries, int64(retries))
	atomic.AddInt64(&c.tokensIn, int64(tokensIn))
	atomic.AddInt64(&c.tokensOut, int64(tokensOut))
	c.providerRequests.inc(provider, strconv.Itoa(statusCode))
}

// RecordThrottle counts one rate-limit rejection.
func (c *Collector) RecordThrottle() {
	atomic.AddInt64(&c.totalThrottles, 1)
}

// RecordSwitch counts one provider switch; reactive means it was forced by
// a throttle rather than chosen ahead of one.
func (c *Collector) RecordSwitch(reactive bool) {
	if reactive {
		atomic.AddInt64(&c.reactiveSwitches, 1)
	} else {
		atomic.AddInt64(&c.proactiveSwitches, 1)
	}
}

// IncrementActive marks a request entering the client.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeRequests, 1)
}

// DecrementActive marks a request leaving the client.
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeRequests, -1)
}

// Stats returns a point-in-time snapshot of all counters.
func (c *Collector) Stats() *Stats {
	return &Stats{
		Uptime:            formatDuration(time.Since(c.startTime)),
		TotalRequests:     atomic.LoadInt64(&c.totalRequests),
		TotalRetries:      atomic.LoadInt64(&c.totalRetries),
		TotalThrottles:    atomic.LoadInt64(&c.totalThrottles),
		ProactiveSwitches: atomic.LoadInt64(&c.proactiveSwitches),
		ReactiveSwitches:  atomic.LoadInt64(&c.reactiveSwitches),
		TokensIn:          atomic.LoadInt64(&c.tokensIn),
		TokensOut:         atomic.LoadInt64(&c.tokensOut),
		ActiveRequests:    atomic.LoadInt64(&c.activeRequests),
	}
}

// ProviderRequests exposes the per-provider outcome counters.
func (c *Collector) ProviderRequests() *counterVec {
	return c.providerRequests
}

// formatDuration produces a compact duration string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	s := ""
	if days > 0 {
		s = strconv.Itoa(days) + "d"
	}
	if hours > 0 {
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(hours) + "h"
	}
	if minutes > 0 {
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(minutes) + "m"
	}
	if s == "" {
		return "0m"
	}
	return s
}
