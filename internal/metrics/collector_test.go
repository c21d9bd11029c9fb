package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecordCallAggregates(t *testing.T) {
	c := NewCollector()

	c.RecordCall("anthropic", 200, 100, 40, 0)
	c.RecordCall("anthropic", 200, 50, 20, 2)
	c.RecordCall("openai", 503, 30, 0, 3)

	stats := c.Stats()
	if stats.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", stats.TotalRequests)
	}
	if stats.TotalRetries != 5 {
		t.Errorf("TotalRetries = %d, want 5", stats.TotalRetries)
	}
	if stats.TokensIn != 180 || stats.TokensOut != 60 {
		t.Errorf("tokens = (%d, %d), want (180, 60)", stats.TokensIn, stats.TokensOut)
	}
}

func TestSwitchCounters(t *testing.T) {
	c := NewCollector()

	c.RecordSwitch(false)
	c.RecordSwitch(false)
	c.RecordSwitch(true)

	stats := c.Stats()
	if stats.ProactiveSwitches != 2 || stats.ReactiveSwitches != 1 {
		t.Errorf("switches = (%d, %d), want (2, 1)", stats.ProactiveSwitches, stats.ReactiveSwitches)
	}
}

func TestActiveRequests(t *testing.T) {
	c := NewCollector()

	c.IncrementActive()
	c.IncrementActive()
	c.DecrementActive()

	if got := c.Stats().ActiveRequests; got != 1 {
		t.Errorf("ActiveRequests = %d, want 1", got)
	}
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordCall("anthropic", 200, 10, 5, 1)
			c.RecordThrottle()
		}()
	}
	wg.Wait()

	stats := c.Stats()
	if stats.TotalRequests != 50 || stats.TotalThrottles != 50 || stats.TokensIn != 500 {
		t.Errorf("stats = %+v, want 50 requests, 50 throttles, 500 tokens in", stats)
	}
}

func TestProviderRequestVec(t *testing.T) {
	c := NewCollector()

	c.RecordCall("anthropic", 200, 1, 1, 0)
	c.RecordCall("anthropic", 200, 1, 1, 0)
	c.RecordCall("anthropic", 429, 1, 0, 0)

	entries := c.ProviderRequests().snapshot()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 label combinations", len(entries))
	}
	for _, e := range entries {
		switch e.labels["status"] {
		case "200":
			if e.value != 2 {
				t.Errorf("200 count = %d, want 2", e.value)
			}
		case "429":
			if e.value != 1 {
				t.Errorf("429 count = %d, want 1", e.value)
			}
		default:
			t.Errorf("unexpected status label %q", e.labels["status"])
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{49*time.Hour + 3*time.Minute, "2d 1h 3m"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestStatsUptimeNonEmpty(t *testing.T) {
	c := NewCollector()
	if s := c.Stats(); strings.TrimSpace(s.Uptime) == "" {
		t.Error("Uptime is empty")
	}
}
