package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/flinkwatch/internal/observability"
	"github.com/3leaps/flinkwatch/pkg/collector"
	"github.com/3leaps/flinkwatch/pkg/scheduler"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection cycle against every active cluster",
	Long: `Poll every active cluster once and store a snapshot of each job.

A cluster that cannot be reached is reported and skipped; the others are
still collected.

Examples:
  flinkwatch collect
  flinkwatch collect --cluster east
  flinkwatch collect --json`,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().String("cluster", "", "Collect only the named cluster")
	collectCmd.Flags().Bool("json", false, "Output as JSON")
}

func runCollect(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	only, _ := cmd.Flags().GetString("cluster")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	logger := observability.CLILogger
	coll := collector.New(store, collector.NewFlinkClientFactory(flinkConfig(cfg.Collector), logger), collector.Config{
		JobConcurrency: cfg.Collector.JobConcurrency,
		Logger:         logger,
	})

	var results []collector.Result
	if only != "" {
		c, err := store.GetClusterByName(ctx, only)
		if err != nil {
			return err
		}
		if c == nil {
			return notFoundf("cluster %q is not registered", only)
		}
		results = []collector.Result{coll.CollectCluster(ctx, *c)}
	} else {
		results, err = scheduler.New(coll, scheduler.WithLogger(logger)).RunOnce(ctx)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), results)
	}
	if len(results) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No active clusters")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "CLUSTER\tSTATUS\tJOBS\tERROR")
	for _, r := range results {
		errStr := r.Error
		if errStr == "" {
			errStr = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ClusterName, r.Status, r.JobsProcessed, errStr)
	}
	return nil
}
