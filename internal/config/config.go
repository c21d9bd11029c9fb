// Package config loads, validates, and hot-reloads the TOML configuration.
// The current config is held in an atomic pointer so every package sees a
// consistent snapshot without locking.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/allaspectsdev/modelgate/internal/capacity"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for ModelGate.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"     toml:"server"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"  toml:"providers"`
	Routing    RoutingConfig             `mapstructure:"routing"    toml:"routing"`
	Rotation   RotationConfig            `mapstructure:"rotation"   toml:"rotation"`
	Resilience ResilienceConfig          `mapstructure:"resilience" toml:"resilience"`
	Tracing    TracingConfig             `mapstructure:"tracing"    toml:"tracing"`
}

// ServerConfig holds the core service settings.
type ServerConfig struct {
	StatusPort   int    `mapstructure:"status_port"   toml:"status_port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
}

// ProviderConfig describes a single LLM provider: its endpoint, credential
// reference, static rate budget, and behavioral flags.
type ProviderConfig struct {
	Name    string `mapstructure:"name"     toml:"name"`
	APIBase string `mapstructure:"api_base" toml:"api_base"`
	KeyRef  string `mapstructure:"key_ref"  toml:"key_ref"`
	Enabled bool   `mapstructure:"enabled"  toml:"enabled"`

	// Tier is the quality/cost rank, lower is better.
	Tier int    `mapstructure:"tier" toml:"tier"`
	Plan string `mapstructure:"plan" toml:"plan"`

	// Workloads tags the provider for specific workload types. Untagged
	// providers serve workloads through routing.tier_fallback.
	Workloads []string `mapstructure:"workloads" toml:"workloads"`

	// AuthHeader overrides the credential header, e.g. "x-api-key".
	AuthHeader string `mapstructure:"auth_header" toml:"auth_header"`

	// IgnoreRetryHints drops the provider's Retry-After values, for
	// providers known to report unreasonable waits.
	IgnoreRetryHints bool `mapstructure:"ignore_retry_hints" toml:"ignore_retry_hints"`
	// AuthQuirk400 marks providers that disguise auth failures as HTTP 400.
	AuthQuirk400 bool `mapstructure:"auth_quirk_400" toml:"auth_quirk_400"`

	// Static rate budget. Zero means unlimited for that window.
	ContextWindow     int64 `mapstructure:"context_window"      toml:"context_window"`
	MaxOutput         int64 `mapstructure:"max_output"          toml:"max_output"`
	TokensPerMinute   int64 `mapstructure:"tokens_per_minute"   toml:"tokens_per_minute"`
	RequestsPerMinute int64 `mapstructure:"requests_per_minute" toml:"requests_per_minute"`
	TokensPerDay      int64 `mapstructure:"tokens_per_day"      toml:"tokens_per_day"`
	RequestsPerDay    int64 `mapstructure:"requests_per_day"    toml:"requests_per_day"`

	// Optional rolling window with its own caps.
	RollingWindowSeconds int   `mapstructure:"rolling_window_seconds" toml:"rolling_window_seconds"`
	RollingTokens        int64 `mapstructure:"rolling_tokens"         toml:"rolling_tokens"`
	RollingRequests      int64 `mapstructure:"rolling_requests"       toml:"rolling_requests"`

	Timeout int `mapstructure:"timeout" toml:"timeout"` // seconds
}

// TimeoutDuration returns the provider timeout as a time.Duration.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return time.Duration(DefaultProviderTimeout) * time.Second
	}
	return time.Duration(p.Timeout) * time.Second
}

// RateBudget converts the static budget fields into the capacity model's
// form. provider is the map key the config entry lives under.
func (p ProviderConfig) RateBudget(provider string) capacity.RateBudget {
	return capacity.RateBudget{
		Provider:          provider,
		Tier:              p.Tier,
		Plan:              p.Plan,
		ContextWindow:     p.ContextWindow,
		MaxOutput:         p.MaxOutput,
		TokensPerMinute:   p.TokensPerMinute,
		RequestsPerMinute: p.RequestsPerMinute,
		TokensPerDay:      p.TokensPerDay,
		RequestsPerDay:    p.RequestsPerDay,
		RollingWindow:     time.Duration(p.RollingWindowSeconds) * time.Second,
		RollingTokens:     p.RollingTokens,
		RollingRequests:   p.RollingRequests,
	}
}

// RoutingConfig controls provider selection.
type RoutingConfig struct {
	// TierFallback maps a workload onto the tiers whose untagged providers
	// may serve it, e.g. background = [3, 4].
	TierFallback map[string][]int `mapstructure:"tier_fallback" toml:"tier_fallback"`
	// SmallRequestTokens is the size under which a Low provider is kept.
	SmallRequestTokens int `mapstructure:"small_request_tokens" toml:"small_request_tokens"`
	// ProactiveThreshold is the remaining-capacity fraction that triggers a
	// switch before hitting the limit.
	ProactiveThreshold float64 `mapstructure:"proactive_threshold" toml:"proactive_threshold"`
	// BaseCooldownSeconds is the starting throttle cooldown.
	BaseCooldownSeconds int `mapstructure:"base_cooldown_seconds" toml:"base_cooldown_seconds"`
	// RequireCredentials excludes providers without stored credentials.
	RequireCredentials bool `mapstructure:"require_credentials" toml:"require_credentials"`
}

// RotationConfig controls the fixed-list rotation wrapper.
type RotationConfig struct {
	Providers      []string `mapstructure:"providers"        toml:"providers"`
	RotateEvery    int      `mapstructure:"rotate_every"     toml:"rotate_every"`
	MaxLocalErrors int      `mapstructure:"max_local_errors" toml:"max_local_errors"`
}

// ResilienceConfig controls the request client's retry, admission, and
// credential refresh behavior.
type ResilienceConfig struct {
	RetryMaxAttempts    int `mapstructure:"retry_max_attempts"     toml:"retry_max_attempts"`
	RetryBaseDelayMs    int `mapstructure:"retry_base_delay_ms"    toml:"retry_base_delay_ms"`
	RetryMaxDelayMs     int `mapstructure:"retry_max_delay_ms"     toml:"retry_max_delay_ms"`
	AttemptTimeoutSec   int `mapstructure:"attempt_timeout_seconds" toml:"attempt_timeout_seconds"`
	PremiumTierMax      int `mapstructure:"premium_tier_max"       toml:"premium_tier_max"`
	PremiumSlots        int `mapstructure:"premium_slots"          toml:"premium_slots"`
	StandardSlots       int `mapstructure:"standard_slots"         toml:"standard_slots"`
	CredentialMaxAgeMin int `mapstructure:"credential_max_age_minutes" toml:"credential_max_age_minutes"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"` // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" toml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (MODELGATE_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.modelgate/modelgate.toml
//  4. ./modelgate.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	// Environment variable overlay: MODELGATE_SERVER_STATUS_PORT etc.
	v.SetEnvPrefix("MODELGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".modelgate"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("modelgate")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to
// ~/.modelgate/modelgate.toml. If the file already exists it is not
// overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".modelgate")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var
// binding works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.status_port", d.Server.StatusPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)

	v.SetDefault("routing.small_request_tokens", d.Routing.SmallRequestTokens)
	v.SetDefault("routing.proactive_threshold", d.Routing.ProactiveThreshold)
	v.SetDefault("routing.base_cooldown_seconds", d.Routing.BaseCooldownSeconds)
	v.SetDefault("routing.require_credentials", d.Routing.RequireCredentials)

	v.SetDefault("rotation.rotate_every", d.Rotation.RotateEvery)
	v.SetDefault("rotation.max_local_errors", d.Rotation.MaxLocalErrors)

	v.SetDefault("resilience.retry_max_attempts", d.Resilience.RetryMaxAttempts)
	v.SetDefault("resilience.retry_base_delay_ms", d.Resilience.RetryBaseDelayMs)
	v.SetDefault("resilience.retry_max_delay_ms", d.Resilience.RetryMaxDelayMs)
	v.SetDefault("resilience.attempt_timeout_seconds", d.Resilience.AttemptTimeoutSec)
	v.SetDefault("resilience.premium_tier_max", d.Resilience.PremiumTierMax)
	v.SetDefault("resilience.premium_slots", d.Resilience.PremiumSlots)
	v.SetDefault("resilience.standard_slots", d.Resilience.StandardSlots)
	v.SetDefault("resilience.credential_max_age_minutes", d.Resilience.CredentialMaxAgeMin)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
