package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"yieldledger/internal/config"
	"yieldledger/internal/observability"
	"yieldledger/internal/persistence"
	"yieldledger/migrations"
)

func main() {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back the yieldledger schema",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("postgres-dsn", "", "Postgres DSN (env LEND_POSTGRES_DSN)")
	root.PersistentFlags().String("migrations-dir", "", "read migrations from this directory instead of the embedded set")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether each is applied",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				status, err := m.Status(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tFILE\tAPPLIED")
				for _, s := range status {
					fmt.Fprintf(tw, "%s\t%s\t%t\n", s.Version, s.Filename, s.Applied)
				}
				return tw.Flush()
			}),
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type migrateFunc func(ctx context.Context, m *persistence.Migrator) error

func withMigrator(fn migrateFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfgFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel), nil)

		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		var src fs.FS = migrations.FS
		if cfg.MigrationsDir != "" {
			src = os.DirFS(cfg.MigrationsDir)
		}
		return fn(cmd.Context(), persistence.NewMigrator(db, src, logger))
	}
}
