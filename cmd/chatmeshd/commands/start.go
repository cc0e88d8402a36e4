package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/internal/replica"
	"github.com/chatmesh/chatmesh/internal/telemetry"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/metrics"

	// Import prometheus metrics to register init() functions
	_ "github.com/chatmesh/chatmesh/pkg/metrics/prometheus"
)

var replicaName string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a chatmesh replica",
	Long: `Start one replica of the chatmesh cluster.

The replica's identity comes from the "replica" key in the configuration
(or the --replica flag, which is handy when several replicas share one
config file). On boot the replica waits for channels to every sibling,
reconciles its operation log with theirs, and then joins the cluster as
primary or backup depending on name order among the living.

Examples:
  # Start the replica named in the config file
  chatmeshd start

  # Run replica B from a shared config
  chatmeshd start --replica B

  # Start with environment variable overrides
  CHATMESH_LOGGING_LEVEL=DEBUG chatmeshd start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&replicaName, "replica", "", "replica name, overrides the config file")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if replicaName != "" {
		cfg.Replica = replicaName
	}
	if cfg.Replica == "" {
		return fmt.Errorf("no replica name: set \"replica\" in the config or pass --replica")
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "chatmeshd",
		ServiceVersion: Version,
		Replica:        cfg.Replica,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "chatmeshd",
		ServiceVersion: Version,
		Replica:        cfg.Replica,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	logger.Info("Configuration loaded",
		"source", getConfigSource(GetConfigFile()),
		"replica", cfg.Replica,
		"cluster_size", len(cfg.Cluster),
	)
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	// Live log-level reload on config file changes.
	if path := GetConfigFile(); path != "" {
		if err := config.Watch(ctx, path, cfg); err != nil {
			logger.Warn("config watcher not started", "error", err)
		}
	}

	rep, err := replica.New(cfg)
	if err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- rep.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Replica is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("Replica shutdown error", "error", err)
			return err
		}
		logger.Info("Replica stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Replica error", "error", err)
			return err
		}
		logger.Info("Replica stopped")
	}

	return nil
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
