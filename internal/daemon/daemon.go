// Package daemon orchestrates the running service: logger, tracing,
// credential vault, capacity registry, router, request client, and the
// status server, plus the PID-file lifecycle.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/modelgate/internal/client"
	"github.com/allaspectsdev/modelgate/internal/config"
	"github.com/allaspectsdev/modelgate/internal/metrics"
	"github.com/allaspectsdev/modelgate/internal/registry"
	"github.com/allaspectsdev/modelgate/internal/router"
	"github.com/allaspectsdev/modelgate/internal/rotation"
	"github.com/allaspectsdev/modelgate/internal/statusapi"
	"github.com/allaspectsdev/modelgate/internal/tokenest"
	"github.com/allaspectsdev/modelgate/internal/tracing"
	"github.com/allaspectsdev/modelgate/internal/vault"
	"github.com/allaspectsdev/modelgate/internal/version"
)

// Gate bundles the wired subsystems for embedding callers: estimate the
// request size through Estimator, select a provider through Router or
// Rotator, execute through Client, and the registry learns from every
// response automatically.
type Gate struct {
	Registry  *registry.Registry
	Router    *router.Router
	Rotator   *rotation.Rotator
	Client    *client.Client
	Collector *metrics.Collector
	Vault     *vault.Vault
	Estimator *tokenest.Estimator
}

// feedback fans client outcomes out to the registry and the metrics
// collector.
type feedback struct {
	reg       *registry.Registry
	collector *metrics.Collector
}

func (f *feedback) RecordRequest(provider string, tokensIn, tokensOut int, headers http.Header) {
	f.reg.RecordRequest(provider, tokensIn, tokensOut, headers)
}

func (f *feedback) RecordThrottle(provider string) time.Duration {
	f.collector.RecordThrottle()
	return f.reg.RecordThrottle(provider)
}

func (f *feedback) ObserveCall(provider string, statusCode, tokensIn, tokensOut, retries int) {
	f.collector.RecordCall(provider, statusCode, tokensIn, tokensOut, retries)
}

func (f *feedback) ObserveInflight(delta int) {
	if delta > 0 {
		f.collector.IncrementActive()
	} else {
		f.collector.DecrementActive()
	}
}

// Build wires a Gate from config without starting any servers.
func Build(cfg *config.Config, logger zerolog.Logger) (*Gate, error) {
	v := vault.New(providerNames(cfg)...)
	collector := metrics.NewCollector()

	reg := registry.New(logger, v,
		registry.WithBaseCooldown(time.Duration(cfg.Routing.BaseCooldownSeconds)*time.Second),
		registry.WithTierFallback(cfg.Routing.TierFallback),
	)
	reg.Init(providerSpecs(cfg))

	rtr := router.New(reg, logger,
		router.WithSmallRequestTokens(cfg.Routing.SmallRequestTokens),
		router.WithProactiveThreshold(cfg.Routing.ProactiveThreshold),
		router.WithRequireCredentials(cfg.Routing.RequireCredentials),
		router.WithSwitchObserver(collector.RecordSwitch),
	)

	cl := client.New(&feedback{reg: reg, collector: collector}, client.Options{
		MaxAttempts:      cfg.Resilience.RetryMaxAttempts,
		BaseDelay:        time.Duration(cfg.Resilience.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(cfg.Resilience.RetryMaxDelayMs) * time.Millisecond,
		AttemptTimeout:   time.Duration(cfg.Resilience.AttemptTimeoutSec) * time.Second,
		CredentialMaxAge: time.Duration(cfg.Resilience.CredentialMaxAgeMin) * time.Minute,
		PremiumTierMax:   cfg.Resilience.PremiumTierMax,
		PremiumSlots:     int64(cfg.Resilience.PremiumSlots),
		StandardSlots:    int64(cfg.Resilience.StandardSlots),
	}, logger)

	for name, pcfg := range cfg.Providers {
		if !pcfg.Enabled {
			continue
		}
		cl.SetCredentialSource(name, vault.NewSource(v, name, pcfg.KeyRef, nil))
		cl.SetIgnoreRetryHints(name, pcfg.IgnoreRetryHints)
		cl.SetAuthQuirk400(name, pcfg.AuthQuirk400)
	}

	g := &Gate{
		Registry:  reg,
		Router:    rtr,
		Client:    cl,
		Collector: collector,
		Vault:     v,
		Estimator: tokenest.New(),
	}

	if len(cfg.Rotation.Providers) > 0 {
		rot, err := rotation.New(reg, cfg.Rotation.Providers, logger,
			rotation.WithRotateEvery(cfg.Rotation.RotateEvery),
			rotation.WithMaxLocalErrors(cfg.Rotation.MaxLocalErrors),
		)
		if err != nil {
			return nil, fmt.Errorf("building rotator: %w", err)
		}
		g.Rotator = rot
	}

	return g, nil
}

// Run initialises all subsystems, starts the status server, and blocks
// until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	logPath := filepath.Join(dataDir, "modelgate.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Str("service", "modelgate").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("modelgate starting")

	if IsRunning(dataDir) {
		return fmt.Errorf("modelgate is already running (PID file exists at %s)", pidPath(dataDir))
	}

	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	// Tracing, when enabled.
	var traceShutdown func(context.Context) error
	if cfg.Tracing.Enabled {
		traceShutdown, err = tracing.Init(context.Background(),
			cfg.Tracing.ServiceName, version.Version,
			cfg.Tracing.Exporter, cfg.Tracing.Endpoint,
			cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing initialised")
	}

	gate, err := Build(cfg, log.Logger)
	if err != nil {
		return err
	}
	log.Info().Int("providers", gate.Registry.Len()).Msg("registry initialised")

	// Config watcher: hot-reload re-initialises the registry in place so
	// usage state survives budget and workload edits.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}
	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(_, newCfg *config.Config) {
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
				gate.Registry.Init(providerSpecs(newCfg))
				log.Info().Int("providers", gate.Registry.Len()).Msg("registry re-initialised from config")
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// Status server.
	statusAddr := fmt.Sprintf(":%d", cfg.Server.StatusPort)
	statusServer := statusapi.New(gate.Registry, gate.Router, gate.Collector, statusAddr, log.Logger)

	errCh := make(chan error, 1)
	go func() {
		if err := statusServer.Start(); err != nil {
			errCh <- err
		}
	}()

	log.Info().Int("status_port", cfg.Server.StatusPort).Msg("modelgate is ready")
	if foreground {
		fmt.Printf("\n  ModelGate is running!\n")
		fmt.Printf("  Status: http://localhost:%d/status/summary\n\n", cfg.Server.StatusPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status server shutdown error")
	}
	if traceShutdown != nil {
		if err := traceShutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}
	}

	log.Info().Msg("modelgate stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("modelgate does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("modelgate is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to modelgate (PID %d)\n", pid)

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return nil
}

// Status checks if the daemon is running and prints the capacity summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("modelgate is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("modelgate is running (PID %d)\n", pid)

	url := fmt.Sprintf("http://localhost:%d/status/summary", cfg.Server.StatusPort)
	httpClient := &http.Client{Timeout: 3 * time.Second}

	resp, err := httpClient.Get(url)
	if err != nil {
		fmt.Println("  (status server unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var summary struct {
		Providers []registry.ProviderStatus `json:"providers"`
		Stats     *metrics.Stats            `json:"stats"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil
	}

	if summary.Stats != nil {
		fmt.Printf("\n  Uptime:          %s\n", summary.Stats.Uptime)
		fmt.Printf("  Total Requests:  %d\n", summary.Stats.TotalRequests)
		fmt.Printf("  Retries:         %d\n", summary.Stats.TotalRetries)
		fmt.Printf("  Throttles:       %d\n", summary.Stats.TotalThrottles)
		fmt.Printf("  Switches:        %d proactive / %d reactive\n",
			summary.Stats.ProactiveSwitches, summary.Stats.ReactiveSwitches)
		fmt.Printf("  Tokens:          %d in / %d out\n", summary.Stats.TokensIn, summary.Stats.TokensOut)
	}

	if len(summary.Providers) > 0 {
		fmt.Println("\n  Providers:")
		for _, p := range summary.Providers {
			line := fmt.Sprintf("    %-12s tier %d  %-11s avail %d", p.Name, p.Tier, p.State, p.AvailableTokens)
			if p.InCooldown {
				line += fmt.Sprintf("  (cooldown until %s)", p.CooldownUntil.Format(time.Kitchen))
			}
			fmt.Println(line)
		}
	}
	return nil
}

// providerSpecs converts enabled provider configs into registry specs.
func providerSpecs(cfg *config.Config) []registry.ProviderSpec {
	specs := make([]registry.ProviderSpec, 0, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		specs = append(specs, registry.ProviderSpec{
			Name:      name,
			Budget:    pcfg.RateBudget(name),
			Workloads: pcfg.Workloads,
			Enabled:   pcfg.Enabled,
		})
	}
	return specs
}

func providerNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	return names
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
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
