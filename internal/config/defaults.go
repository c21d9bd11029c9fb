package config

// DefaultStatusPort is the default port for the status server.
const DefaultStatusPort = 7790

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.modelgate"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "modelgate.toml"

// DefaultProviderTimeout is the default per-provider timeout in seconds.
const DefaultProviderTimeout = 30

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
const DefaultWriteTimeout = 30

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultSmallRequestTokens is the size under which a Low provider is kept.
const DefaultSmallRequestTokens = 2000

// DefaultProactiveThreshold is the remaining-capacity fraction that
// triggers a proactive switch.
const DefaultProactiveThreshold = 0.2

// DefaultBaseCooldownSeconds is the starting throttle cooldown.
const DefaultBaseCooldownSeconds = 60

// DefaultRotateEvery is how many calls the rotation wrapper stays on one
// member.
const DefaultRotateEvery = 10

// DefaultMaxLocalErrors is the rotation wrapper's local error threshold.
const DefaultMaxLocalErrors = 3

// DefaultRetryMaxAttempts is the default total attempt budget per call.
const DefaultRetryMaxAttempts = 3

// DefaultRetryBaseDelayMs is the default base delay for exponential backoff in milliseconds.
const DefaultRetryBaseDelayMs = 500

// DefaultRetryMaxDelayMs is the default maximum delay for exponential backoff in milliseconds.
const DefaultRetryMaxDelayMs = 30000

// DefaultAttemptTimeoutSec is the default per-attempt timeout in seconds.
const DefaultAttemptTimeoutSec = 120

// DefaultPremiumTierMax is the highest tier sharing the premium admission
// class.
const DefaultPremiumTierMax = 2

// DefaultPremiumSlots is the premium admission class size.
const DefaultPremiumSlots = 4

// DefaultStandardSlots is the standard admission class size.
const DefaultStandardSlots = 8

// DefaultCredentialMaxAgeMin is the credential age in minutes beyond which
// a proactive refresh happens.
const DefaultCredentialMaxAgeMin = 50

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "modelgate"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			StatusPort:   DefaultStatusPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Name:              "Anthropic",
				APIBase:           "https://api.anthropic.com",
				KeyRef:            "keyring://modelgate/anthropic",
				Enabled:           true,
				Tier:              1,
				Plan:              "max",
				Workloads:         []string{"chat", "agent"},
				ContextWindow:     200000,
				MaxOutput:         64000,
				TokensPerMinute:   400000,
				RequestsPerMinute: 4000,
				Timeout:           DefaultProviderTimeout,
			},
			"openai": {
				Name:              "OpenAI",
				APIBase:           "https://api.openai.com",
				KeyRef:            "keyring://modelgate/openai",
				Enabled:           true,
				Tier:              2,
				Plan:              "tier-4",
				ContextWindow:     128000,
				MaxOutput:         16384,
				TokensPerMinute:   800000,
				RequestsPerMinute: 5000,
				Timeout:           DefaultProviderTimeout,
			},
		},
		Routing: RoutingConfig{
			TierFallback: map[string][]int{
				"chat":       {1, 2},
				"background": {2, 3},
			},
			SmallRequestTokens:  DefaultSmallRequestTokens,
			ProactiveThreshold:  DefaultProactiveThreshold,
			BaseCooldownSeconds: DefaultBaseCooldownSeconds,
			RequireCredentials:  true,
		},
		Rotation: RotationConfig{
			Providers:      []string{},
			RotateEvery:    DefaultRotateEvery,
			MaxLocalErrors: DefaultMaxLocalErrors,
		},
		Resilience: ResilienceConfig{
			RetryMaxAttempts:    DefaultRetryMaxAttempts,
			RetryBaseDelayMs:    DefaultRetryBaseDelayMs,
			RetryMaxDelayMs:     DefaultRetryMaxDelayMs,
			AttemptTimeoutSec:   DefaultAttemptTimeoutSec,
			PremiumTierMax:      DefaultPremiumTierMax,
			PremiumSlots:        DefaultPremiumSlots,
			StandardSlots:       DefaultStandardSlots,
			CredentialMaxAgeMin: DefaultCredentialMaxAgeMin,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
	}
}
