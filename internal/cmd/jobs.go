package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/flinkwatch/internal/errors"
	"github.com/3leaps/flinkwatch/internal/observability"
	"github.com/3leaps/flinkwatch/pkg/flink"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

const defaultListLimit = 100

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job"},
	Short:   "Query stored job snapshots",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job snapshots, most recent first",
	Long: `List stored job snapshots.

Examples:
  flinkwatch jobs list
  flinkwatch jobs list --cluster east --state FAILED
  flinkwatch jobs list --json --limit 500`,
	RunE: runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id> <cluster>",
	Short: "Show one job snapshot",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsGet,
}

var jobsSearchCmd = &cobra.Command{
	Use:   "search [pattern]",
	Short: "Search jobs by name",
	Long: `Search stored jobs by name. The pattern is a case-insensitive substring;
--glob applies a doublestar pattern to the lowercased job name.

Examples:
  flinkwatch jobs search orders
  flinkwatch jobs search --glob 'orders-*-etl'
  flinkwatch jobs search payments --cluster east`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobsSearch,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by state, cluster and type",
	RunE:  runJobsStats,
}

var jobsLongRunningCmd = &cobra.Command{
	Use:   "long-running",
	Short: "List RUNNING jobs older than a threshold",
	Long: `List RUNNING jobs whose duration exceeds --hours (default 24).

Examples:
  flinkwatch jobs long-running
  flinkwatch jobs long-running --hours 7d`,
	RunE: runJobsLongRunning,
}

var jobsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List jobs snapshotted within a window",
	RunE:  runJobsRecent,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id> <cluster>",
	Short: "Ask the owning cluster to cancel a job",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsCancel,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id> <cluster>",
	Short: "Delete a stored snapshot",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsDelete,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsSearchCmd, jobsStatsCmd,
		jobsLongRunningCmd, jobsRecentCmd, jobsCancelCmd, jobsDeleteCmd)

	for _, c := range []*cobra.Command{jobsListCmd, jobsSearchCmd, jobsStatsCmd, jobsLongRunningCmd, jobsRecentCmd} {
		c.Flags().String("cluster", "", "Limit to one cluster")
		c.Flags().Bool("json", false, "Output as JSON")
	}
	jobsGetCmd.Flags().Bool("json", false, "Output as JSON")

	jobsListCmd.Flags().String("state", "", "Filter by job state (RUNNING, FAILED, ...)")
	jobsListCmd.Flags().Int("limit", defaultListLimit, "Maximum rows")
	jobsSearchCmd.Flags().String("glob", "", "Doublestar pattern matched against the job name")
	jobsSearchCmd.Flags().Int("limit", defaultListLimit, "Maximum rows")
	jobsLongRunningCmd.Flags().String("hours", "24", "Duration threshold (hours, or a duration such as 36h or 2d)")
	jobsRecentCmd.Flags().String("hours", "24", "Window (hours, or a duration such as 90m or 1d)")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cluster, _ := cmd.Flags().GetString("cluster")
	state, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 1 {
		return apperrors.NewValidationError("--limit must be positive")
	}

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		var (
			jobs []snapshotstore.Snapshot
			err  error
		)
		if state != "" {
			jobs, err = store.ListByState(ctx, state, cluster)
		} else {
			jobs, err = store.List(ctx, cluster)
		}
		if err != nil {
			return err
		}
		if len(jobs) > limit {
			jobs = jobs[:limit]
		}
		return printJobs(cmd, jobs)
	})
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		snap, err := store.Get(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if snap == nil {
			return notFoundf("job %s on cluster %s not found", args[0], args[1])
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		printJobDetail(cmd.OutOrStdout(), snap)
		return nil
	})
}

func runJobsSearch(cmd *cobra.Command, args []string) error {
	cluster, _ := cmd.Flags().GetString("cluster")
	glob, _ := cmd.Flags().GetString("glob")
	limit, _ := cmd.Flags().GetInt("limit")
	params := snapshotstore.SearchParams{Glob: glob, ClusterName: cluster, Limit: limit}
	if len(args) == 1 {
		params.Pattern = args[0]
	}

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		jobs, err := store.Search(ctx, params)
		if err != nil {
			return err
		}
		return printJobs(cmd, jobs)
	})
}

func runJobsStats(cmd *cobra.Command, _ []string) error {
	cluster, _ := cmd.Flags().GetString("cluster")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		stats, err := store.Statistics(ctx, cluster)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), stats)
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "total_jobs=%d\n", stats.TotalJobs)
		for _, group := range []struct {
			title  string
			counts map[string]int64
		}{
			{"STATE", stats.ByState},
			{"CLUSTER", stats.ByCluster},
			{"TYPE", stats.ByType},
		} {
			_, _ = fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "%s\tJOBS\n", group.title)
			for _, k := range sortedKeys(group.counts) {
				_, _ = fmt.Fprintf(w, "%s\t%d\n", k, group.counts[k])
			}
			_ = w.Flush()
		}
		return nil
	})
}

func runJobsLongRunning(cmd *cobra.Command, _ []string) error {
	return runJobsWindow(cmd, func(ctx context.Context, store *snapshotstore.Store, hours int, cluster string) ([]snapshotstore.Snapshot, error) {
		return store.ListLongRunning(ctx, hours, cluster)
	})
}

func runJobsRecent(cmd *cobra.Command, _ []string) error {
	return runJobsWindow(cmd, func(ctx context.Context, store *snapshotstore.Store, hours int, cluster string) ([]snapshotstore.Snapshot, error) {
		return store.ListRecent(ctx, hours, cluster)
	})
}

func runJobsWindow(cmd *cobra.Command, query func(context.Context, *snapshotstore.Store, int, string) ([]snapshotstore.Snapshot, error)) error {
	cluster, _ := cmd.Flags().GetString("cluster")
	raw, _ := cmd.Flags().GetString("hours")
	hours, err := durationHours(raw)
	if err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("--hours: %v", err))
	}

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		jobs, err := query(ctx, store, hours, cluster)
		if err != nil {
			return err
		}
		return printJobs(cmd, jobs)
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	c, err := store.GetClusterByName(ctx, args[1])
	if err != nil {
		return err
	}
	if c == nil {
		return notFoundf("cluster %q is not registered", args[1])
	}

	fc := flinkConfig(cfg.Collector)
	fc.BaseURL = c.URL
	client, err := flink.New(fc, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if !client.CancelJob(ctx, args[0]) {
		return apperrors.NewExternalServiceError(fmt.Sprintf("cluster %s rejected the cancel request for job %s", c.Name, args[0]))
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for job %s on %s\n", args[0], c.Name)
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		deleted, err := store.Delete(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !deleted {
			return notFoundf("job %s on cluster %s not found", args[0], args[1])
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot %s on %s\n", args[0], args[1])
		return nil
	})
}

func printJobs(cmd *cobra.Command, jobs []snapshotstore.Snapshot) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		if jobs == nil {
			jobs = []snapshotstore.Snapshot{}
		}
		return printJSON(cmd.OutOrStdout(), jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tCLUSTER\tNAME\tSTATE\tDURATION\tSNAPSHOT")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID, j.ClusterName, orDash(j.JobName), j.JobState,
			formatMillis(j.JobDuration), formatRelativeTime(j.SnapshotTime))
	}
	return nil
}

func printJobDetail(out io.Writer, s *snapshotstore.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	ts := func(ms *int64) string {
		if ms == nil || *ms <= 0 {
			return "-"
		}
		return time.UnixMilli(*ms).UTC().Format(time.RFC3339)
	}
	parallelism := "-"
	if s.MaxParallelism != nil {
		parallelism = fmt.Sprint(*s.MaxParallelism)
	}

	_, _ = fmt.Fprintf(w, "job_id:\t%s\n", s.JobID)
	_, _ = fmt.Fprintf(w, "cluster:\t%s\n", s.ClusterName)
	_, _ = fmt.Fprintf(w, "name:\t%s\n", orDash(s.JobName))
	_, _ = fmt.Fprintf(w, "state:\t%s\n", s.JobState)
	_, _ = fmt.Fprintf(w, "type:\t%s\n", orDash(s.JobType))
	_, _ = fmt.Fprintf(w, "stoppable:\t%t\n", s.IsStoppable)
	_, _ = fmt.Fprintf(w, "max_parallelism:\t%s\n", parallelism)
	_, _ = fmt.Fprintf(w, "start:\t%s\n", ts(s.JobStartTime))
	_, _ = fmt.Fprintf(w, "end:\t%s\n", ts(s.JobEndTime))
	_, _ = fmt.Fprintf(w, "duration:\t%s\n", formatMillis(s.JobDuration))
	_, _ = fmt.Fprintf(w, "snapshot:\t%s\n", s.SnapshotTime.UTC().Format(time.RFC3339))
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
