package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/robotlink/internal/infrastructure/database"
	_ "github.com/nerrad567/robotlink/migrations" // registers the embedded schema
)

// newDBCommand manages the server's SQLite schema. The server migrates on
// start, so this is for inspecting a database or stepping back a release.
func newDBCommand(cfg *cliConfig) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and migrate the server database",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "database file (default database.path from config)")

	open := func() (*database.DB, error) {
		if path == "" {
			resolved, err := cfg.resolve()
			if err != nil {
				return nil, err
			}
			path = resolved.Database.Path
		}
		return database.Open(database.Config{Path: path, WALMode: true})
	}
	run := func(step func(ctx context.Context, db *database.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // read-mostly CLI
			if err := step(cmd.Context(), db); err != nil {
				return err
			}
			return printMigrations(cmd.Context(), cmd.OutOrStdout(), db)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE:  run(func(context.Context, *database.DB) error { return nil }),
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE:  run(func(ctx context.Context, db *database.DB) error { return db.Migrate(ctx) }),
		},
		&cobra.Command{
			Use:   "rollback",
			Short: "Roll back the latest applied migration",
			Args:  cobra.NoArgs,
			RunE:  run(func(ctx context.Context, db *database.DB) error { return db.MigrateDown(ctx) }),
		},
	)
	return cmd
}

func printMigrations(ctx context.Context, w io.Writer, db *database.DB) error {
	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return err
	}
	for _, r := range applied {
		fmt.Fprintf(w, "applied %s %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "pending %s %s\n", m.Version, m.Name)
	}
	return nil
}
