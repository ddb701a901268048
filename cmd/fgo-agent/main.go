package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/0xcro3dile/fgo-agent-go/internal/app"
	"github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/config"
	"github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/logging"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "fgo-agent",
	Short: "FGO wiki assistant with model failover",
	Long: `fgo-agent answers Fate/Grand Order questions from an ingested wiki dump,
routing every model call across interchangeable backends with ordered failover.

Configuration:
  1. --config flag (explicit path)
  2. ./config.yaml or ./configs/config.yaml
  3. FGO_* environment variables, e.g. FGO_SERVER_ADDR, FGO_MONITOR_SINK`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, logging.New(cfg.Logging, os.Stderr), nil
}

// newApp loads configuration and builds the application context.
func newApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}
