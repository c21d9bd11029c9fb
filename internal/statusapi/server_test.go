package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/modelgate/internal/capacity"
	"github.com/allaspectsdev/modelgate/internal/metrics"
	"github.com/allaspectsdev/modelgate/internal/registry"
	"github.com/allaspectsdev/modelgate/internal/router"
)

type allowAll struct{}

func (allowAll) Has(string) bool { return true }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	reg := registry.New(zerolog.Nop(), allowAll{})
	reg.Init([]registry.ProviderSpec{
		{
			Name: "anthropic",
			Budget: capacity.RateBudget{
				Provider:        "anthropic",
				Tier:            1,
				TokensPerMinute: 100000,
			},
			Workloads: []string{"chat"},
			Enabled:   true,
		},
	})
	rtr := router.New(reg, zerolog.Nop())
	return New(reg, rtr, metrics.NewCollector(), ":0", zerolog.Nop())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestSummaryEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/summary", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body summaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Providers) != 1 || body.Providers[0].Name != "anthropic" {
		t.Fatalf("providers = %+v, want the configured anthropic entry", body.Providers)
	}
	if body.Providers[0].State != "available" {
		t.Errorf("state = %q, want available with no usage", body.Providers[0].State)
	}
	if body.Stats == nil {
		t.Error("stats block missing")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "modelgate_requests_total") {
		t.Error("metrics output missing request counter")
	}
	if !strings.Contains(body, `modelgate_provider_state{provider="anthropic"}`) {
		t.Error("metrics output missing provider state gauge")
	}
}
