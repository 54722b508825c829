package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hayashikawa/renderpool/internal/app"
	"github.com/hayashikawa/renderpool/internal/config"
	"github.com/hayashikawa/renderpool/internal/logging"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pool controller",
	Long: `Start the pool controller with the given configuration.

Examples:
  # Start with the default config file
  renderpool start

  # Start with a specific config
  renderpool start --config /etc/renderpool/renderpool.yaml

  # Start with JSON logs written to a file
  renderpool start --log-file /var/log/renderpool.log`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("config", "renderpool.yaml", "Configuration file path")
	startCmd.Flags().String("log-file", "", "Log file path (rotated, JSON encoded)")
	startCmd.Flags().Bool("watch-config", true, "Reload tuning parameters on config file changes")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logFile, _ := cmd.Flags().GetString("log-file")
	watchConfig, _ := cmd.Flags().GetBool("watch-config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   logFile,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Starting renderpool",
		zap.String("version", Version),
		zap.String("config", configPath),
	)

	application, err := app.New(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var watcher *config.Watcher
	if watchConfig {
		watcher, err = config.NewWatcher(logger, configPath)
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(application.ApplyConfig); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	if watcher != nil {
		watcher.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}

	return nil
}
