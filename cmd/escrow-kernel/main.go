package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/manthysbr/aule-escrow/internal/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "escrow-kernel",
		Short:         "Escrowed worker jobs and local skill execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to escrow.yaml (default: ./escrow.yaml or ~/.aule-escrow/escrow.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newSkillCmd(opts),
		newLedgerCmd(opts),
	)
	return cmd
}

// load reads configuration and builds the process logger.
func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}
