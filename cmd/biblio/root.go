package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/config"
	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
)

// rootOptions carries the loaded configuration and the flags that override it.
type rootOptions struct {
	cfg    config.Config
	logger *zap.Logger

	dsn string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "biblio",
		Short:         "Library lending service",
		Long:          "Loans, wait-lists and holds for a library catalog, served over HTTP and gRPC.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("dsn") {
				cfg.PGDSN = opts.dsn
			}
			logger, err := obs.NewLogger(cfg.Env)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			obs.SetLogger(logger)
			opts.cfg, opts.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (overrides BIBLIO_PG_DSN; empty uses the in-memory store)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}
