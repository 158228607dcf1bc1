package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/flinkwatch/internal/config"
	apperrors "github.com/3leaps/flinkwatch/internal/errors"
	"github.com/3leaps/flinkwatch/internal/observability"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete snapshots older than the retention window",
	Long: `Delete job snapshots whose snapshot time falls outside the retention window
(retention.hours, default 168).

With --archive, or when retention.archive.target is configured, expired
snapshots are first written as JSON Lines to the archive target (s3://bucket/prefix
or a local directory). If archiving fails nothing is deleted.

Examples:
  flinkwatch cleanup
  flinkwatch cleanup --hours 7d --dry-run
  flinkwatch cleanup --archive s3://flink-history/snapshots`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().String("hours", "", "Hours to keep (or a duration such as 36h or 30d)")
	cleanupCmd.Flags().String("archive", "", "Archive target (overrides retention.archive.target)")
	cleanupCmd.Flags().Bool("dry-run", false, "Report what would be removed without deleting")
	cleanupCmd.Flags().Bool("json", false, "Output as JSON")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	rawHours, _ := cmd.Flags().GetString("hours")
	target, _ := cmd.Flags().GetString("archive")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var overrides []map[string]any
	if target != "" {
		overrides = append(overrides, map[string]any{
			"retention": map[string]any{"archive": map[string]any{"target": target}},
		})
	}
	cfg, err := loadConfig(cmd, overrides...)
	if err != nil {
		return err
	}

	hours := cfg.Retention.Hours
	if rawHours != "" {
		hours, err = durationHours(rawHours)
		if err != nil {
			return apperrors.NewValidationError(fmt.Sprintf("--hours: %v", err))
		}
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return sweep(ctx, cmd, store, cfg.Retention, hours, dryRun, jsonOutput)
}

func sweep(ctx context.Context, cmd *cobra.Command, store *snapshotstore.Store, cfg config.RetentionConfig, hours int, dryRun, jsonOutput bool) error {
	sweeper, err := newSweeper(ctx, store, cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = sweeper.Close() }()

	res, err := sweeper.Sweep(ctx, hours, dryRun)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	if res.DryRun {
		_, _ = fmt.Fprintf(out, "Would delete %d snapshot(s) older than %s\n", res.Deleted, res.Cutoff.Format(time.RFC3339))
		return nil
	}
	if res.Location != "" {
		_, _ = fmt.Fprintf(out, "Archived %d snapshot(s) to %s\n", res.Archived, res.Location)
	}
	_, _ = fmt.Fprintf(out, "Deleted %d snapshot(s) older than %s\n", res.Deleted, res.Cutoff.Format(time.RFC3339))
	return nil
}
