package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/nidhogg/flowforge/internal/app"
	"github.com/nidhogg/flowforge/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time via ldflags.
var Version = "dev"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "flowforge",
		Short:         "Schema cache and deterministic chatflow compiler",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.Path(), "path to the JSON config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.log_level")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMCPCommand(opts))
	cmd.AddCommand(newRefreshCommand(opts))
	cmd.AddCommand(newDriftCommand(opts))
	cmd.AddCommand(newCompileCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	return cmd
}

// bootstrap loads config and wires the application. The caller closes the
// app and syncs the logger.
func bootstrap(ctx context.Context, opts *rootOptions) (*app.App, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Server.LogLevel = opts.logLevel
	}
	logger, err := app.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("config loaded", zap.String("path", opts.configPath))

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, fmt.Errorf("wire app: %w", err)
	}
	return a, logger, nil
}
