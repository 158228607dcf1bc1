package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/flinkwatch/internal/errors"
	"github.com/3leaps/flinkwatch/internal/observability"
	"github.com/3leaps/flinkwatch/pkg/clusterfile"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

var clustersCmd = &cobra.Command{
	Use:     "clusters",
	Aliases: []string{"cluster"},
	Short:   "Manage the cluster registry",
}

var clustersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered clusters",
	RunE:  runClustersList,
}

var clustersAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Register a cluster",
	Long: `Register a Flink cluster by name and JobManager REST address.

Examples:
  flinkwatch clusters add east http://flink-east:8081
  flinkwatch clusters add west https://flink-west.example.com --description "DR site" --inactive`,
	Args: cobra.ExactArgs(2),
	RunE: runClustersAdd,
}

var clustersUpdateCmd = &cobra.Command{
	Use:   "update <id|name>",
	Short: "Change a cluster's name, url or description",
	Args:  cobra.ExactArgs(1),
	RunE:  runClustersUpdate,
}

var clustersRemoveCmd = &cobra.Command{
	Use:     "remove <id|name>",
	Aliases: []string{"rm"},
	Short:   "Remove a cluster from the registry",
	Long: `Remove a cluster from the registry. Stored job snapshots for the cluster
are kept until the retention window expires them.`,
	Args: cobra.ExactArgs(1),
	RunE: runClustersRemove,
}

var clustersActivateCmd = &cobra.Command{
	Use:   "activate <id|name>",
	Short: "Include a cluster in collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runClustersSetActive(true),
}

var clustersDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id|name>",
	Short: "Exclude a cluster from collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runClustersSetActive(false),
}

var clustersSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register clusters from a YAML, TOML or JSON file",
	Long: `Register every cluster listed in a seed file. Clusters that already exist
are left untouched unless --update is given.

Example file (clusters.yaml):
  clusters:
    - name: east
      url: http://flink-east:8081
    - name: west
      url: http://flink-west:8081
      active: false

Examples:
  flinkwatch clusters seed --file clusters.yaml
  flinkwatch clusters seed --defaults`,
	RunE: runClustersSeed,
}

func init() {
	rootCmd.AddCommand(clustersCmd)
	clustersCmd.AddCommand(clustersListCmd, clustersAddCmd, clustersUpdateCmd, clustersRemoveCmd,
		clustersActivateCmd, clustersDeactivateCmd, clustersSeedCmd)

	clustersListCmd.Flags().Bool("active", false, "Only list active clusters")
	clustersListCmd.Flags().Bool("json", false, "Output as JSON")

	clustersAddCmd.Flags().String("description", "", "Free-form description")
	clustersAddCmd.Flags().Bool("inactive", false, "Register without enabling collection")

	clustersUpdateCmd.Flags().String("name", "", "New name")
	clustersUpdateCmd.Flags().String("url", "", "New REST address")
	clustersUpdateCmd.Flags().String("description", "", "New description")

	clustersSeedCmd.Flags().String("file", "", "Seed file (.yaml, .yml, .toml or .json)")
	clustersSeedCmd.Flags().Bool("defaults", false, "Seed the two local development clusters")
	clustersSeedCmd.Flags().Bool("update", false, "Overwrite existing clusters with the file's values")
	clustersSeedCmd.Flags().Bool("json", false, "Output as JSON")
}

// withStore loads configuration, opens the store and runs fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *snapshotstore.Store) error) error {
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
	return fn(ctx, store)
}

func notFoundf(format string, args ...any) error {
	return apperrors.NewNotFoundError(fmt.Sprintf(format, args...))
}

// resolveCluster accepts a numeric id or a cluster name.
func resolveCluster(ctx context.Context, store *snapshotstore.Store, ref string) (*snapshotstore.Cluster, error) {
	var (
		c   *snapshotstore.Cluster
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		c, err = store.GetCluster(ctx, id)
	} else {
		c, err = store.GetClusterByName(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFoundf("cluster %q is not registered", ref)
	}
	return c, nil
}

func runClustersList(cmd *cobra.Command, _ []string) error {
	activeOnly, _ := cmd.Flags().GetBool("active")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		var (
			clusters []snapshotstore.Cluster
			err      error
		)
		if activeOnly {
			clusters, err = store.ListActiveClusters(ctx)
		} else {
			clusters, err = store.ListClusters(ctx)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), clusters)
		}
		if len(clusters) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No clusters registered")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "ID\tNAME\tURL\tACTIVE\tCREATED\tDESCRIPTION")
		for _, c := range clusters {
			desc := c.Description
			if desc == "" {
				desc = "-"
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n",
				c.ID, c.Name, c.URL, c.IsActive, formatRelativeTime(c.CreatedAt), desc)
		}
		return nil
	})
}

func runClustersAdd(cmd *cobra.Command, args []string) error {
	desc, _ := cmd.Flags().GetString("description")
	inactive, _ := cmd.Flags().GetBool("inactive")

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		c, err := store.CreateCluster(ctx, snapshotstore.Cluster{
			Name:        args[0],
			URL:         args[1],
			Description: desc,
			IsActive:    !inactive,
		})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered cluster %s (id=%d, active=%t)\n", c.Name, c.ID, c.IsActive)
		return nil
	})
}

func runClustersUpdate(cmd *cobra.Command, args []string) error {
	var upd snapshotstore.ClusterUpdate
	for flag, dst := range map[string]**string{"name": &upd.Name, "url": &upd.URL, "description": &upd.Description} {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetString(flag)
			*dst = &v
		}
	}
	if upd.Name == nil && upd.URL == nil && upd.Description == nil {
		return apperrors.NewValidationError("nothing to update: pass --name, --url or --description")
	}

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		c, err := resolveCluster(ctx, store, args[0])
		if err != nil {
			return err
		}
		updated, err := store.UpdateCluster(ctx, c.ID, upd)
		if err != nil {
			return err
		}
		if updated == nil {
			return notFoundf("cluster %q is not registered", args[0])
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated cluster %s (id=%d, url=%s)\n", updated.Name, updated.ID, updated.URL)
		return nil
	})
}

func runClustersRemove(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		c, err := resolveCluster(ctx, store, args[0])
		if err != nil {
			return err
		}
		deleted, err := store.DeleteCluster(ctx, c.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return notFoundf("cluster %q is not registered", args[0])
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed cluster %s (id=%d)\n", c.Name, c.ID)
		return nil
	})
}

func runClustersSetActive(active bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
			c, err := resolveCluster(ctx, store, args[0])
			if err != nil {
				return err
			}
			if _, err := store.SetClusterActive(ctx, c.ID, active); err != nil {
				return err
			}
			verb := "Deactivated"
			if active {
				verb = "Activated"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s cluster %s (id=%d)\n", verb, c.Name, c.ID)
			return nil
		})
	}
}

func runClustersSeed(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	defaults, _ := cmd.Flags().GetBool("defaults")
	update, _ := cmd.Flags().GetBool("update")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var (
		f   *clusterfile.File
		err error
	)
	switch {
	case path != "" && defaults:
		return apperrors.NewValidationError("--file and --defaults are mutually exclusive")
	case path != "":
		f, err = clusterfile.Load(path)
		if err != nil {
			return apperrors.NewValidationError("invalid seed file").WithCause(err)
		}
	case defaults:
		f = clusterfile.Defaults()
	default:
		return apperrors.NewValidationError("pass --file or --defaults")
	}

	return withStore(cmd, func(ctx context.Context, store *snapshotstore.Store) error {
		res, err := clusterfile.Seed(ctx, store, f, clusterfile.SeedOptions{
			Update: update,
			Logger: observability.CLILogger,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d unchanged=%d\n",
			len(res.Created), len(res.Updated), len(res.Unchanged))
		return nil
	})
}
