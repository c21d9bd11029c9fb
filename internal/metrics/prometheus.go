package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/allaspectsdev/modelgate/internal/registry"
)

// stateCodes maps capacity state names onto the gauge values exposed on
// /metrics, ordered by severity.
var stateCodes = map[string]int{
	"available":   0,
	"approaching": 1,
	"low":         2,
	"exhausted":   3,
	"cooldown":    4,
}

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). Metrics are formatted
// manually; the Prometheus client library is not required. summary may be
// nil when no registry gauges are wanted.
func PrometheusHandler(collector *Collector, summary func() []registry.ProviderStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		writeMetric(w, "modelgate_requests_total",
			"Total number of routed upstream requests.",
			"counter", stats.TotalRequests)

		writeMetric(w, "modelgate_retries_total",
			"Total number of retried attempts.",
			"counter", stats.TotalRetries)

		writeMetric(w, "modelgate_throttles_total",
			"Total number of rate-limit rejections observed.",
			"counter", stats.TotalThrottles)

		writeMetric(w, "modelgate_proactive_switches_total",
			"Provider switches made before hitting a limit.",
			"counter", stats.ProactiveSwitches)

		writeMetric(w, "modelgate_reactive_switches_total",
			"Provider switches forced by a throttle.",
			"counter", stats.ReactiveSwitches)

		writeMetric(w, "modelgate_tokens_in_total",
			"Total number of input tokens sent upstream.",
			"counter", stats.TokensIn)

		writeMetric(w, "modelgate_tokens_out_total",
			"Total number of output tokens received.",
			"counter", stats.TokensOut)

		writeMetric(w, "modelgate_active_requests",
			"Number of requests currently in flight.",
			"gauge", stats.ActiveRequests)

		writeMetricFloat(w, "modelgate_uptime_seconds",
			"Number of seconds since the service started.",
			"gauge", time.Since(collector.startTime).Seconds())

		writeCounterVec(w, "modelgate_provider_requests_total",
			"Total requests per provider and outcome status.",
			collector.providerRequests)

		if summary != nil {
			writeProviderGauges(w, summary())
		}
	}
}

// writeProviderGauges renders the per-provider capacity view from the
// registry summary.
func writeProviderGauges(w http.ResponseWriter, rows []registry.ProviderStatus) {
	if len(rows) == 0 {
		return
	}

	fmt.Fprintf(w, "# HELP modelgate_provider_state Capacity state per provider (0=available, 1=approaching, 2=low, 3=exhausted, 4=cooldown).\n")
	fmt.Fprintf(w, "# TYPE modelgate_provider_state gauge\n")
	for _, row := range rows {
		fmt.Fprintf(w, "modelgate_provider_state{provider=%q} %d\n", row.Name, stateCodes[row.State])
	}

	fmt.Fprintf(w, "# HELP modelgate_provider_available_tokens Estimated tokens left in the most constrained window per provider.\n")
	fmt.Fprintf(w, "# TYPE modelgate_provider_available_tokens gauge\n")
	for _, row := range rows {
		fmt.Fprintf(w, "modelgate_provider_available_tokens{provider=%q} %d\n", row.Name, row.AvailableTokens)
	}

	fmt.Fprintf(w, "# HELP modelgate_provider_failures Consecutive throttle failures per provider.\n")
	fmt.Fprintf(w, "# TYPE modelgate_provider_failures gauge\n")
	for _, row := range rows {
		fmt.Fprintf(w, "modelgate_provider_failures{provider=%q} %d\n", row.Name, row.Failures)
	}
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as a Prometheus label string, e.g.
// {provider="anthropic",status="200"}.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// writeCounterVec writes a labeled counter family in Prometheus text format.
func writeCounterVec(w http.ResponseWriter, name, help string, cv *counterVec) {
	entries := cv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(e.labels), e.value)
	}
}
