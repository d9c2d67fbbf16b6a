package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/runnerforge/orchestrator/internal/config"
	"github.com/runnerforge/orchestrator/internal/health"
	"github.com/runnerforge/orchestrator/internal/lifecycle"
	"github.com/runnerforge/orchestrator/internal/monitor"
	"github.com/runnerforge/orchestrator/internal/orchestrator"
	"github.com/runnerforge/orchestrator/internal/otel"
	"github.com/runnerforge/orchestrator/internal/placeholder"
	"github.com/runnerforge/orchestrator/internal/runner"
)

var (
	cfgPath       string
	flagOverrides config.Config

	flagPollInterval    time.Duration
	flagCleanupInterval time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Ephemeral GitHub Actions runner orchestrator",
	Long: `orchestrator provisions ephemeral GitHub Actions runners on demand,
tracks their lifecycle, and reconciles the fleet against queued
workflow runs using a pluggable compute backend (Docker, GCP).

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "GitHub personal access token")
	f.StringVar(&flagOverrides.GitHub.BaseURL, "base-url", "", "GitHub API base URL (for GitHub Enterprise)")

	// Orchestrator overrides
	f.DurationVar(&flagPollInterval, "poll-interval", 0, "Scale-up pass cadence (minimum 10s)")
	f.DurationVar(&flagCleanupInterval, "cleanup-interval", 0, "Purge pass cadence (minimum 1m)")
	f.IntVar(&flagOverrides.Orchestrator.MaxRunnersPerScope, "max-runners-per-scope", 0, "Runner cap per repository or organization")
	f.StringVar(&flagOverrides.Orchestrator.DiscoveryMode, "discovery-mode", "", "Scope discovery mode (all, organization)")

	// Runtime overrides
	f.StringVar(&flagOverrides.Runtime.Type, "runtime", "", "Compute backend (docker, gcp)")
	f.StringVar(&flagOverrides.Runtime.Docker.Image, "image", "", "Runner container image")
	f.StringVar(&flagOverrides.Runtime.Network, "network", "", "Backend network runners attach to")

	// Server override
	f.IntVar(&flagOverrides.Server.Port, "port", 0, "Port for /healthz and /metrics")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.BaseURL != "" {
		cfg.GitHub.BaseURL = flagOverrides.GitHub.BaseURL
	}
	if flagPollInterval != 0 {
		cfg.Orchestrator.PollInterval = config.Duration(flagPollInterval)
	}
	if flagCleanupInterval != 0 {
		cfg.Orchestrator.CleanupInterval = config.Duration(flagCleanupInterval)
	}
	if flagOverrides.Orchestrator.MaxRunnersPerScope != 0 {
		cfg.Orchestrator.MaxRunnersPerScope = flagOverrides.Orchestrator.MaxRunnersPerScope
	}
	if flagOverrides.Orchestrator.DiscoveryMode != "" {
		cfg.Orchestrator.DiscoveryMode = flagOverrides.Orchestrator.DiscoveryMode
	}
	if flagOverrides.Runtime.Type != "" {
		cfg.Runtime.Type = flagOverrides.Runtime.Type
	}
	if flagOverrides.Runtime.Docker.Image != "" {
		cfg.Runtime.Docker.Image = flagOverrides.Runtime.Docker.Image
	}
	if flagOverrides.Runtime.Network != "" {
		cfg.Runtime.Network = flagOverrides.Runtime.Network
	}
	if flagOverrides.Server.Port != 0 {
		cfg.Server.Port = flagOverrides.Server.Port
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("runtime", cfg.Runtime.Type),
		slog.String("discoveryMode", cfg.Orchestrator.DiscoveryMode),
		slog.Duration("pollInterval", cfg.Orchestrator.PollInterval.Std()),
		slog.Duration("cleanupInterval", cfg.Orchestrator.CleanupInterval.Std()),
		slog.Int("maxRunnersPerScope", cfg.Orchestrator.MaxRunnersPerScope),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry SDK
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "orchestrator", otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("setting up OpenTelemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("OpenTelemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Template resolver
	// ---------------------------------------------------------------
	resolver := placeholder.NewResolver(cfg.PlaceholderEnvironment())
	cfg.ValidateTemplates(resolver, logger)
	logger.Info("template resolver ready", slog.String("orchestratorID", resolver.OrchestratorID()))

	// ---------------------------------------------------------------
	// 5. Provider, runtime, registry
	// ---------------------------------------------------------------
	provider := cfg.NewProvider(logger)

	rt, err := cfg.NewRuntime(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}
	if closer, ok := rt.(io.Closer); ok {
		defer closer.Close()
	}

	registry := runner.NewRegistry()

	// ---------------------------------------------------------------
	// 6. Lifecycle, monitor, service
	// ---------------------------------------------------------------
	lc := lifecycle.New(provider, rt, registry, resolver, lifecycle.Config{
		RunnerImage: cfg.RunnerImage(),
		Network:     cfg.Runtime.Network,
		EnvTemplate: cfg.EnvTemplate(),
		StopTimeout: cfg.Orchestrator.StopTimeout.Std(),
		Logger:      logger.WithGroup("lifecycle"),
	})

	mon := monitor.New(provider, lc, registry, monitor.Config{
		PollInterval:       cfg.Orchestrator.PollInterval.Std(),
		CleanupInterval:    cfg.Orchestrator.CleanupInterval.Std(),
		DiscoveryMode:      cfg.Orchestrator.DiscoveryMode,
		MaxRunnersPerScope: cfg.Orchestrator.MaxRunnersPerScope,
		Logger:             logger.WithGroup("monitor"),
	})

	svc := orchestrator.New(lc, mon, registry, resolver, orchestrator.Config{
		MaxRunnersPerScope: cfg.Orchestrator.MaxRunnersPerScope,
		DestroyTimeout:     cfg.Orchestrator.StopTimeout.Std(),
		Logger:             logger.WithGroup("orchestrator"),
	})

	// ---------------------------------------------------------------
	// 7. Adopt containers left behind by a previous process
	// ---------------------------------------------------------------
	adopted, err := svc.AdoptOrphans(ctx)
	if err != nil {
		logger.Warn("orphan adoption failed", slog.String("error", err.Error()))
	} else if adopted > 0 {
		logger.Info("adopted orphan runners", slog.Int("count", adopted))
	}

	// ---------------------------------------------------------------
	// 8. Health + metrics server
	// ---------------------------------------------------------------
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(cfg.Runtime.Type, func() health.Stats {
		stats := svc.GetStatistics()
		return health.Stats{
			ActiveRunners: stats.TotalRunners,
			Monitoring:    stats.Monitoring,
		}
	}))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving health and metrics", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// ---------------------------------------------------------------
	// 9. Start reconciliation
	// ---------------------------------------------------------------
	if *cfg.Orchestrator.AutoDiscovery {
		if err := svc.StartMonitoring(); err != nil {
			return fmt.Errorf("starting monitor: %w", err)
		}
		logger.Info("reconciliation loop started")
	} else {
		logger.Info("auto discovery disabled, reconciliation loop not started")
	}

	// ---------------------------------------------------------------
	// 10. Wait for shutdown
	// ---------------------------------------------------------------
	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
