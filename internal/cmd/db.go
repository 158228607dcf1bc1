package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the snapshot database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the snapshot schema",
	Long: `Create or upgrade the snapshot schema. Every command migrates on open, so
this is only needed to prepare a database ahead of time.`,
	RunE: runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database driver, schema version and row counts",
	RunE:  runDBStatus,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd, dbStatusCmd)
}

func runDBMigrate(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		v, err := store.CurrentSchemaVersion(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Snapshot database migrated")
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "driver=%s\n", store.Driver())
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema_version=%d\n", v)
		return nil
	})
}

func runDBStatus(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		v, err := store.CurrentSchemaVersion(ctx)
		if err != nil {
			return err
		}
		clusters, err := store.ListClusters(ctx)
		if err != nil {
			return err
		}
		active, err := store.CountActiveClusters(ctx)
		if err != nil {
			return err
		}
		stats, err := store.Statistics(ctx, "")
		if err != nil {
			return err
		}
		last, err := store.LastSnapshotTime(ctx)
		if err != nil {
			return err
		}

		lastStr := "-"
		if last != nil {
			lastStr = formatRelativeTime(*last)
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "driver=%s\n", store.Driver())
		_, _ = fmt.Fprintf(out, "schema_version=%d\n", v)
		_, _ = fmt.Fprintf(out, "clusters=%d active=%d\n", len(clusters), active)
		_, _ = fmt.Fprintf(out, "snapshots=%d\n", stats.TotalJobs)
		_, _ = fmt.Fprintf(out, "last_snapshot=%s\n", lastStr)
		return nil
	})
}
