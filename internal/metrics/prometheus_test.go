package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/allaspectsdev/modelgate/internal/registry"
)

func TestPrometheusHandlerOutput(t *testing.T) {
	c := NewCollector()
	c.RecordCall("anthropic", 200, 120, 30, 1)
	c.RecordThrottle()
	c.RecordSwitch(true)

	summary := func() []registry.ProviderStatus {
		return []registry.ProviderStatus{
			{Name: "anthropic", State: "low", AvailableTokens: 15000, Failures: 1},
			{Name: "openai", State: "available", AvailableTokens: 400000},
		}
	}

	rec := httptest.NewRecorder()
	PrometheusHandler(c, summary)(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain exposition format", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"modelgate_requests_total 1",
		"modelgate_retries_total 1",
		"modelgate_throttles_total 1",
		"modelgate_reactive_switches_total 1",
		"modelgate_tokens_in_total 120",
		`modelgate_provider_requests_total{provider="anthropic",status="200"} 1`,
		`modelgate_provider_state{provider="anthropic"} 2`,
		`modelgate_provider_state{provider="openai"} 0`,
		`modelgate_provider_available_tokens{provider="anthropic"} 15000`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestPrometheusHandlerNilSummary(t *testing.T) {
	c := NewCollector()

	rec := httptest.NewRecorder()
	PrometheusHandler(c, nil)(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if strings.Contains(rec.Body.String(), "modelgate_provider_state") {
		t.Error("provider gauges present without a summary source")
	}
}
