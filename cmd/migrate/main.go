package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"ForwardLedger/internal/config"
	"ForwardLedger/internal/observability"
	"ForwardLedger/internal/persistence"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back ForwardLedger schema migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FWD_CONFIG"), "path to the TOML config file")

	withMigrator := func(fn func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))
			db, err := sql.Open("postgres", cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()
			return fn(cmd.Context(), persistence.NewMigrator(db, cfg.Migrations.Dir, log))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				if err := m.Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				fmt.Println("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				if err := m.Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				fmt.Println("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				st, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tAPPLIED\tMODIFIED\tFILE")
				for _, s := range st {
					fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n", s.Version, s.Applied, s.Modified, s.File)
				}
				return tw.Flush()
			}),
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}
