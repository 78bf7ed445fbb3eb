package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/pkg/audit"
	"github.com/pesit-go/pesitd/pkg/cluster"
	"github.com/pesit-go/pesitd/pkg/config"
	"github.com/pesit-go/pesitd/pkg/journal"
	"github.com/pesit-go/pesitd/pkg/metrics"
	metricsprom "github.com/pesit-go/pesitd/pkg/metrics/prometheus"
	"github.com/pesit-go/pesitd/pkg/secrets"
	"github.com/pesit-go/pesitd/pkg/server"
)

var pidFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pesitd server",
	Long: `Start the pesitd server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/pesitd/config.yaml.

Examples:
  # Start with default config location
  pesitd start

  # Start with custom config
  pesitd start --config /etc/pesitd/config.yaml

  # Use environment variables to override config
  PESITD_LOGGING_LEVEL=DEBUG pesitd start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("pesitd starting",
		"version", Version,
		logger.KeyNode, cfg.NodeName,
		"config", configSource(GetConfigFile()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics come up before anything that records them.
	var pesitMetrics metrics.PesitMetrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		pesitMetrics = metricsprom.NewPesitMetrics()
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics collection disabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	j, err := journal.Open(journal.Options{Dir: filepath.Join(cfg.DataDir, "journal")})
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	auditSink, err := audit.Open(audit.Options{
		Dir:       filepath.Join(cfg.DataDir, "audit"),
		Retention: cfg.Audit.Retention,
	})
	if err != nil {
		return err
	}
	defer func() { _ = auditSink.Close() }()

	var sec secrets.Service
	if cfg.Secrets.MasterKey != "" {
		sec, err = secrets.NewAES(cfg.Secrets.MasterKey, nil)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no master key configured, stored passwords must be plaintext")
		sec = secrets.Plaintext{}
	}

	provider := cluster.NewStandalone(cfg.NodeName)

	supervisor := server.NewSupervisor(cfg, server.Deps{
		Journal: j,
		Audit:   auditSink,
		Secrets: sec,
		Store:   config.NewStore(cfg),
		Metrics: pesitMetrics,
		NodeID:  cfg.NodeName,
	}, provider)

	maintenance, err := server.NewMaintenance(cfg.Maintenance, j)
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule: %w", err)
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	if err := supervisor.Start(ctx); err != nil {
		return err
	}
	maintenance.Start()

	if metricsServer != nil {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", logger.KeyError, err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("server is running, send SIGINT or SIGTERM to stop")

	<-sigChan
	signal.Stop(sigChan)
	logger.Info("shutdown signal received, initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	maintenance.Stop()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", logger.KeyError, err)
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

// configSource describes where the configuration came from.
func configSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
