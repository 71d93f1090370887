package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
	"github.com/gafsiahmed/biblio-managment-system/internal/scheduler"
)

var sweepNames = []string{lending.SweepOverdue, lending.SweepDueSoon, lending.SweepHoldExpiry}

func newSweepCommand(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:       "sweep <" + strings.Join(sweepNames, "|") + ">",
		Short:     "Run one periodic sweep immediately and exit",
		Long:      "Runs a sweep once against the configured store, for use from an external cron.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: sweepNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := buildApp(ctx, root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			// Every sweep is registered here regardless of which ones the
			// server schedules.
			sched, err := scheduler.New(scheduler.LendingJobs(a.svc, scheduler.DefaultSchedule()),
				scheduler.WithLogger(root.logger), scheduler.WithJobTimeout(timeout))
			if err != nil {
				return err
			}
			n, err := sched.RunNow(ctx, args[0])
			if err != nil {
				return fmt.Errorf("sweep %s: %w", args[0], err)
			}
			root.logger.Info("sweep finished", zap.String("sweep", args[0]), zap.Int("affected", n))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d affected\n", args[0], n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline")
	return cmd
}
