package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"thesis/api/internal/bootstrap"
	"thesis/api/internal/config"
	"thesis/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB, cfg config.Config) error {
			applied, err := store.MigrateUp(cmd.Context(), db, os.DirFS(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			for _, migration := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", migration.ID())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d migration(s) applied from %s\n", len(applied), cfg.MigrationsDir)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and when they were applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB, cfg config.Config) error {
			states, err := store.MigrationStatus(cmd.Context(), db, os.DirFS(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
			for _, state := range states {
				applied := "pending"
				if state.AppliedAt != nil {
					applied = state.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", state.Version, state.Name, applied)
			}
			return tw.Flush()
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recently applied migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB, cfg config.Config) error {
			migration, ok, err := store.MigrateDown(cmd.Context(), db, os.DirFS(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", migration.ID())
			return nil
		})
	},
}

// withDB opens only the database, so migrations run before the schema exists.
func withDB(ctx context.Context, fn func(db *sql.DB, cfg config.Config) error) error {
	cfg := config.Load()
	db, err := bootstrap.OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db, cfg)
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}
