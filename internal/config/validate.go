package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.StatusPort < 1 || cfg.Server.StatusPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.status_port must be between 1 and 65535, got %d", cfg.Server.StatusPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}

	// Provider validation
	for name, p := range cfg.Providers {
		if p.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_base must not be empty", name))
		}
		if p.Tier < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.tier must be non-negative, got %d", name, p.Tier))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.timeout must be non-negative", name))
		}
		for _, field := range []struct {
			key   string
			value int64
		}{
			{"context_window", p.ContextWindow},
			{"max_output", p.MaxOutput},
			{"tokens_per_minute", p.TokensPerMinute},
			{"requests_per_minute", p.RequestsPerMinute},
			{"tokens_per_day", p.TokensPerDay},
			{"requests_per_day", p.RequestsPerDay},
			{"rolling_tokens", p.RollingTokens},
			{"rolling_requests", p.RollingRequests},
		} {
			if field.value < 0 {
				errs = append(errs, fmt.Sprintf("providers.%s.%s must be non-negative, got %d", name, field.key, field.value))
			}
		}
		if p.RollingWindowSeconds < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.rolling_window_seconds must be non-negative, got %d", name, p.RollingWindowSeconds))
		}
		if p.RollingWindowSeconds > 0 && p.RollingTokens == 0 && p.RollingRequests == 0 {
			errs = append(errs, fmt.Sprintf("providers.%s sets rolling_window_seconds without rolling_tokens or rolling_requests", name))
		}
	}

	// Routing validation
	for workload, tiers := range cfg.Routing.TierFallback {
		for _, tier := range tiers {
			if tier < 0 {
				errs = append(errs, fmt.Sprintf("routing.tier_fallback[%q] contains negative tier %d", workload, tier))
			}
		}
	}
	if cfg.Routing.SmallRequestTokens < 0 {
		errs = append(errs, fmt.Sprintf("routing.small_request_tokens must be non-negative, got %d", cfg.Routing.SmallRequestTokens))
	}
	if cfg.Routing.ProactiveThreshold < 0 || cfg.Routing.ProactiveThreshold > 1 {
		errs = append(errs, fmt.Sprintf("routing.proactive_threshold must be between 0 and 1, got %f", cfg.Routing.ProactiveThreshold))
	}
	if cfg.Routing.BaseCooldownSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("routing.base_cooldown_seconds must be positive, got %d", cfg.Routing.BaseCooldownSeconds))
	}

	// Rotation validation
	for _, name := range cfg.Rotation.Providers {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("rotation.providers references unknown provider %q", name))
		}
	}
	if cfg.Rotation.RotateEvery < 1 {
		errs = append(errs, fmt.Sprintf("rotation.rotate_every must be at least 1, got %d", cfg.Rotation.RotateEvery))
	}
	if cfg.Rotation.MaxLocalErrors < 1 {
		errs = append(errs, fmt.Sprintf("rotation.max_local_errors must be at least 1, got %d", cfg.Rotation.MaxLocalErrors))
	}

	// Resilience validation
	if cfg.Resilience.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_attempts must be at least 1, got %d", cfg.Resilience.RetryMaxAttempts))
	}
	if cfg.Resilience.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_base_delay_ms must be non-negative, got %d", cfg.Resilience.RetryBaseDelayMs))
	}
	if cfg.Resilience.RetryMaxDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_delay_ms must be non-negative, got %d", cfg.Resilience.RetryMaxDelayMs))
	}
	if cfg.Resilience.AttemptTimeoutSec < 0 {
		errs = append(errs, fmt.Sprintf("resilience.attempt_timeout_seconds must be non-negative, got %d", cfg.Resilience.AttemptTimeoutSec))
	}
	if cfg.Resilience.PremiumSlots < 1 {
		errs = append(errs, fmt.Sprintf("resilience.premium_slots must be at least 1, got %d", cfg.Resilience.PremiumSlots))
	}
	if cfg.Resilience.StandardSlots < 1 {
		errs = append(errs, fmt.Sprintf("resilience.standard_slots must be at least 1, got %d", cfg.Resilience.StandardSlots))
	}
	if cfg.Resilience.CredentialMaxAgeMin < 0 {
		errs = append(errs, fmt.Sprintf("resilience.credential_max_age_minutes must be non-negative, got %d", cfg.Resilience.CredentialMaxAgeMin))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
