package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/extentdb/internal/logger"
	"github.com/marmos91/extentdb/internal/telemetry"
	"github.com/marmos91/extentdb/pkg/api"
	"github.com/marmos91/extentdb/pkg/config"
	"github.com/marmos91/extentdb/pkg/engine"
	"github.com/marmos91/extentdb/pkg/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Open the store and serve stats and metrics",
	Long: `Open the store in engine.dir and keep it running until interrupted.

When metrics are enabled an HTTP server on metrics.port exposes /health,
/stats and /metrics. The log level follows edits to the configuration file
without a restart.

Examples:
  # Start with the default config location
  extentdb start

  # Start with environment variable overrides
  EXTENTDB_LOGGING_LEVEL=DEBUG EXTENTDB_METRICS_ENABLED=true extentdb start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopObservability, err := startObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopObservability()

	// The registry must exist before Open so the cache and serializer pick
	// up their sinks.
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.InitRegistry()
	}

	e, err := engine.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Metrics.Enabled {
		srv := api.NewServer(api.Config{Port: cfg.Metrics.Port}, e, reg)
		g.Go(func() error { return srv.Start(gctx) })
	} else {
		logger.Info("Metrics collection disabled")
	}

	if path := resolveConfigPath(); fileExists(path) {
		g.Go(func() error { return followLogLevel(gctx, path, cfg.Logging.Level) })
	}

	logger.Info("extentdb is running. Press Ctrl+C to stop.")
	runErr := g.Wait()
	logger.Info("Shutdown signal received, closing store")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	closeErr := e.Close(shutdownCtx)
	if closeErr != nil {
		logger.Error("Store shutdown error", logger.KeyError, closeErr)
	}
	return errors.Join(runErr, closeErr)
}

// startObservability starts tracing and profiling as configured and returns
// a function that flushes and stops both.
func startObservability(ctx context.Context, cfg *config.Config) (func(), error) {
	flushTraces, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "extentdb",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	stopProfiler, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "extentdb",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		_ = flushTraces(context.Background())
		return nil, fmt.Errorf("profiling: %w", err)
	}

	logger.Info("Configuration loaded",
		"source", getConfigSource(GetConfigFile()),
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"tracing", telemetry.IsEnabled(),
		"profiling", telemetry.IsProfilingEnabled())

	return func() {
		if err := stopProfiler(); err != nil {
			logger.Warn("Profiler stop failed", logger.Err(err))
		}
		if err := flushTraces(context.Background()); err != nil {
			logger.Warn("Trace flush failed", logger.Err(err))
		}
	}, nil
}

// followLogLevel applies logging.level edits of the file at path until ctx
// is done. Other settings need a restart.
func followLogLevel(ctx context.Context, path, level string) error {
	level = strings.ToUpper(level)
	return config.Watch(ctx, path, func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("Ignoring invalid configuration change", logger.Err(err))
			return
		}
		if nl := strings.ToUpper(next.Logging.Level); nl != level {
			logger.SetLevel(nl)
			logger.Info("Log level changed", "from", level, "to", nl)
			level = nl
		}
	})
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
