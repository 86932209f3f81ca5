package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/e7canasta/birdbath-sensor/internal/core"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture daemon until SIGINT/SIGTERM or an MQTT shutdown command",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context) error {
	slog.Info("starting birdbath service",
		"config", configPath,
		"instance_id", cfg.InstanceID,
		"debug", debug,
	)

	birdbath, err := core.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create birdbath service: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- birdbath.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or the run loop to end on its own
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := birdbath.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("birdbath service stopped successfully")
	return runErr
}
