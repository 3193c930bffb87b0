package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/database"
	"github.com/jmylchreest/hlsforge/internal/database/migrations"
	"github.com/jmylchreest/hlsforge/pkg/format"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the durable queue schema",
	Long: `Inspect and change the database schema used by the durable queues.

serve applies pending migrations on startup, so these commands are only
needed to check a database or to roll one back before a downgrade.`,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			return writeMigrationStatus(cmd.OutOrStdout(), statuses, time.Now())
		})
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
			pending, err := m.Pending(ctx)
			if err != nil {
				return err
			}
			if err := m.Up(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(pending))
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the newest migrations",
	Example: `  hlsforge migrate down
  hlsforge migrate down --steps 2`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps < 1 {
			return fmt.Errorf("--steps must be at least 1")
		}
		return withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
			reverted, err := m.Rollback(ctx, steps)
			for _, v := range reverted {
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", v)
			}
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd, migrateUpCmd, migrateDownCmd)
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to roll back")
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *migrations.Migrator) error) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.New(cfg.Database, nil, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return fn(ctx, db.SchemaMigrator(ctx))
}

func writeMigrationStatus(w io.Writer, statuses []migrations.MigrationStatus, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDESCRIPTION\tAPPLIED")
	for _, s := range statuses {
		applied := "pending"
		if s.AppliedAt != nil {
			applied = format.RelativeTimeShort(*s.AppliedAt, now)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Version, s.Description, applied)
	}
	return tw.Flush()
}
