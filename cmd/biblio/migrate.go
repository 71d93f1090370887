package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gafsiahmed/biblio-managment-system/internal/migrate"
	"github.com/gafsiahmed/biblio-managment-system/internal/store/pg"
	"github.com/gafsiahmed/biblio-managment-system/ops/migrations"
)

type migrateOptions struct {
	*rootOptions
	migrationsDir string
	seedsDir      string
	timeout       time.Duration
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	opts := &migrateOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect the PostgreSQL schema",
	}
	cmd.PersistentFlags().StringVar(&opts.migrationsDir, "migrations", "", "read migrations from this directory instead of the embedded set")
	cmd.PersistentFlags().StringVar(&opts.seedsDir, "seeds", "", "read seeds from this directory instead of the embedded set")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				for _, name := range applied {
					fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
				}
				if err == nil && len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if errors.Is(err, migrate.ErrNothingToRollback) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations, oldest first",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				history, err := m.Status(ctx)
				for _, name := range history {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Load the demo catalog",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				applied, err := m.Seed(ctx)
				for _, name := range applied {
					fmt.Fprintln(cmd.OutOrStdout(), "seeded", name)
				}
				return err
			}),
		},
	)
	return cmd
}

// run opens the database and hands a Manager to fn.
func (o *migrateOptions) run(fn func(context.Context, *cobra.Command, *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if o.cfg.PGDSN == "" {
			return errors.New("missing DSN: provide --dsn or BIBLIO_PG_DSN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
		defer cancel()

		store, err := pg.Open(o.cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()

		m := migrate.NewManager(store.DB(), o.source(o.migrationsDir, migrations.Schema()),
			o.source(o.seedsDir, migrations.Seeds()), migrate.WithLogger(o.logger))
		if err := fn(ctx, cmd, m); err != nil {
			return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
		}
		return nil
	}
}

func (o *migrateOptions) source(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}
