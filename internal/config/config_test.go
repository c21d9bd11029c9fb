package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/allaspectsdev/modelgate/internal/capacity"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modelgate.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected error for explicitly named missing file")
	}

	// Without an explicit path a missing file falls back to defaults.
	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(oldWd)

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}
	if cfg.Server.StatusPort != DefaultStatusPort {
		t.Errorf("status port = %d, want default %d", cfg.Server.StatusPort, DefaultStatusPort)
	}
	if cfg.Resilience.RetryMaxAttempts != DefaultRetryMaxAttempts {
		t.Errorf("retry attempts = %d, want default %d", cfg.Resilience.RetryMaxAttempts, DefaultRetryMaxAttempts)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
status_port = 9999
log_level = "debug"
data_dir = "/tmp/modelgate-test"

[providers.anthropic]
name = "Anthropic"
api_base = "https://api.anthropic.com"
key_ref = "keyring://modelgate/anthropic"
enabled = true
tier = 1
plan = "max"
workloads = ["chat"]
context_window = 200000
tokens_per_minute = 400000
requests_per_minute = 4000
auth_quirk_400 = false

[providers.qwen]
name = "Qwen"
api_base = "https://dashscope.aliyuncs.com"
enabled = true
tier = 3
tokens_per_minute = 100000
rolling_window_seconds = 18000
rolling_tokens = 2000000
ignore_retry_hints = true
auth_quirk_400 = true

[routing]
small_request_tokens = 1500
proactive_threshold = 0.25
base_cooldown_seconds = 30
require_credentials = false

[routing.tier_fallback]
background = [3, 4]

[resilience]
retry_max_attempts = 5
premium_tier_max = 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.StatusPort != 9999 || cfg.Server.LogLevel != "debug" {
		t.Errorf("server section = %+v, want file values", cfg.Server)
	}

	qwen, ok := cfg.Providers["qwen"]
	if !ok {
		t.Fatal("qwen provider missing")
	}
	if !qwen.IgnoreRetryHints || !qwen.AuthQuirk400 {
		t.Errorf("qwen flags = %+v, want both quirks set", qwen)
	}

	budget := qwen.RateBudget("qwen")
	if budget.Provider != "qwen" || budget.Tier != 3 {
		t.Errorf("budget identity = (%q, %d), want (qwen, 3)", budget.Provider, budget.Tier)
	}
	if budget.RollingWindow != 5*time.Hour || budget.RollingTokens != 2000000 {
		t.Errorf("rolling budget = (%v, %d), want (5h, 2000000)", budget.RollingWindow, budget.RollingTokens)
	}

	if cfg.Routing.SmallRequestTokens != 1500 {
		t.Errorf("small_request_tokens = %d, want 1500", cfg.Routing.SmallRequestTokens)
	}
	if tiers := cfg.Routing.TierFallback["background"]; len(tiers) != 2 || tiers[0] != 3 {
		t.Errorf("tier_fallback = %v, want [3 4]", tiers)
	}
	if cfg.Resilience.RetryMaxAttempts != 5 {
		t.Errorf("retry_max_attempts = %d, want 5", cfg.Resilience.RetryMaxAttempts)
	}
}

func TestRateBudgetCarriesWindowLimits(t *testing.T) {
	p := ProviderConfig{
		Tier:          2,
		ContextWindow: 10000000000,
		MaxOutput:     128000,
	}
	budget := p.RateBudget("gemini")
	if budget.ContextWindow != 10000000000 || budget.MaxOutput != 128000 {
		t.Errorf("window limits = (%d, %d), want (10000000000, 128000)",
			budget.ContextWindow, budget.MaxOutput)
	}
	if !capacity.NewTracker(budget).CanAdmit(200000) {
		t.Error("request within context window should be admissible")
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("MODELGATE_SERVER_STATUS_PORT", "8123")

	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(oldWd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.StatusPort != 8123 {
		t.Errorf("status port = %d, want env override 8123", cfg.Server.StatusPort)
	}
}

func TestGetReturnsLoadedConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
status_port = 7171
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := Get().Server.StatusPort; got != 7171 {
		t.Errorf("Get().Server.StatusPort = %d, want 7171", got)
	}
}

func TestProviderTimeoutDuration(t *testing.T) {
	p := ProviderConfig{Timeout: 45}
	if got := p.TimeoutDuration(); got != 45*time.Second {
		t.Errorf("TimeoutDuration = %v, want 45s", got)
	}
	p.Timeout = 0
	if got := p.TimeoutDuration(); got != 30*time.Second {
		t.Errorf("TimeoutDuration = %v, want 30s default", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got := expandHome("~/.modelgate")
	if !strings.HasPrefix(got, home) {
		t.Errorf("expandHome = %q, want prefix %q", got, home)
	}
	if got := expandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("expandHome mangled absolute path: %q", got)
	}
}
