package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/e7canasta/birdbath-sensor/internal/config"
)

const defaultConfigPath = "config/birdbath.yaml"

// Version is the daemon version.
const Version = "0.3.0"

var (
	configPath string
	debug      bool
	useMock    bool

	// cfg is loaded once by the root command for every subcommand.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "birdbathd",
	Short:         "Bird bath camera: motion capture, species identification and storage upkeep",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Secrets such as GEMINI_API_KEY may live in a local .env.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		logLevel := slog.LevelInfo
		if debug {
			logLevel = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)

		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if useMock {
			loaded.Camera.Driver = "mock"
		}
		cfg = loaded
		return nil
	},
}

// loadConfig falls back to defaults only when the default path is missing;
// an explicit --config must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loaded, err := config.Load(configPath)
	if err == nil {
		return loaded, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "config", configPath)
		return config.Default(), nil
	}
	return nil, err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "Use the synthetic camera instead of the v4l2 device")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
