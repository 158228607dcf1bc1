package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/flinkwatch/internal/config"
	"github.com/3leaps/flinkwatch/internal/observability"
	"github.com/3leaps/flinkwatch/internal/server"
	"github.com/3leaps/flinkwatch/internal/server/handlers"
	"github.com/3leaps/flinkwatch/pkg/archive"
	"github.com/3leaps/flinkwatch/pkg/clusterfile"
	"github.com/3leaps/flinkwatch/pkg/collector"
	"github.com/3leaps/flinkwatch/pkg/flink"
	"github.com/3leaps/flinkwatch/pkg/retention"
	"github.com/3leaps/flinkwatch/pkg/scheduler"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background collector",
	Long: `Run the HTTP API server. Unless disabled, the collection scheduler starts
immediately and polls every active cluster at collector.interval.

When retention.interval is set, expired snapshots are swept periodically
(and archived first when retention.archive.target is configured).

Examples:
  flinkwatch serve
  flinkwatch serve --port 9000 --interval 30s
  flinkwatch serve --no-scheduler`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().String("interval", "", "Collection interval (overrides collector.interval)")
	serveCmd.Flags().Bool("no-scheduler", false, "Do not start the collection scheduler")
}

func serveOverrides(cmd *cobra.Command) (map[string]any, error) {
	o := map[string]any{}
	listen := map[string]any{}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		listen["host"] = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		listen["port"] = port
	}
	if len(listen) > 0 {
		o["server"] = listen
	}

	coll := map[string]any{}
	if raw, _ := cmd.Flags().GetString("interval"); raw != "" {
		d, err := parseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("--interval: %w", err)
		}
		coll["interval"] = d
	}
	if off, _ := cmd.Flags().GetBool("no-scheduler"); off {
		coll["autostart"] = false
	}
	if len(coll) > 0 {
		o["collector"] = coll
	}
	return o, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	overrides, err := serveOverrides(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, overrides)
	if err != nil {
		return err
	}

	logger, err := observability.InitServerLogger(appName, cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer observability.Sync()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := seedClusters(ctx, store, cfg.Clusters, logger); err != nil {
		return err
	}

	flinkCfg := flinkConfig(cfg.Collector)
	coll := collector.New(store, collector.NewFlinkClientFactory(flinkCfg, logger), collector.Config{
		JobConcurrency: cfg.Collector.JobConcurrency,
		Logger:         logger,
	})
	sched := scheduler.New(coll,
		scheduler.WithLogger(logger),
		scheduler.WithBackoff(cfg.Collector.ErrorBackoff))
	defer sched.Stop()

	sweeper, err := newSweeper(ctx, store, cfg.Retention, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sweeper.Close() }()

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("database", storeHealthChecker{store: store})
	health.RegisterChecker("scheduler", schedulerHealthChecker{sched: sched})

	api := &handlers.API{
		Store:     store,
		Collector: coll,
		Scheduler: sched,
		Sweeper:   sweeper,
		NewClient: func(c snapshotstore.Cluster) (*flink.Client, error) {
			fc := flinkCfg
			fc.BaseURL = c.URL
			return flink.New(fc, logger.With(zap.String("cluster", c.Name)))
		},
		Logger:         logger,
		RetentionHours: cfg.Retention.Hours,
		Interval:       cfg.Collector.Interval,
		CollectTimeout: cfg.Collector.CycleTimeout,
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(api),
		server.WithLogger(logger),
		server.WithMetrics(metricsPath),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}))

	if cfg.Collector.Autostart {
		sched.Start(cfg.Collector.Interval)
	}

	logger.Info("Starting flinkwatch",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Duration("collection_interval", cfg.Collector.Interval),
		zap.Bool("scheduler", cfg.Collector.Autostart))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if cfg.Retention.Interval > 0 {
		g.Go(func() error {
			runRetentionLoop(gctx, sweeper, cfg.Retention.Hours, cfg.Retention.Interval, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("flinkwatch stopped")
	return err
}

func flinkConfig(c config.CollectorConfig) flink.Config {
	return flink.Config{
		Timeout:             c.RequestTimeout,
		MaxIdleConnsPerHost: c.MaxIdleConns,
		MaxConnsPerHost:     c.MaxConns,
		RateLimit:           c.RateLimit,
	}
}

// newSweeper builds the retention sweeper, with an archiver when one is configured.
func newSweeper(ctx context.Context, store *snapshotstore.Store, cfg config.RetentionConfig, logger *zap.Logger) (*retention.Sweeper, error) {
	var archiver archive.Archiver
	if cfg.Archive.Enabled {
		a, err := archive.New(ctx, archive.Config{
			Target:          cfg.Archive.Target,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			Profile:         cfg.Archive.Profile,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			ForcePathStyle:  cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("configure archive: %w", err)
		}
		archiver = a
	}
	return retention.New(store, archiver, logger), nil
}

// seedClusters registers clusters from the configured seed file, or the
// built-in defaults when the registry is empty and seed_defaults is set.
func seedClusters(ctx context.Context, store *snapshotstore.Store, cfg config.ClustersConfig, logger *zap.Logger) error {
	var f *clusterfile.File
	switch {
	case cfg.SeedFile != "":
		loaded, err := clusterfile.Load(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("load cluster seed file: %w", err)
		}
		f = loaded
	case cfg.SeedDefaults:
		existing, err := store.ListClusters(ctx)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		f = clusterfile.Defaults()
	default:
		return nil
	}

	res, err := clusterfile.Seed(ctx, store, f, clusterfile.SeedOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("seed clusters: %w", err)
	}
	logger.Info("Cluster registry seeded",
		zap.Int("created", len(res.Created)),
		zap.Int("unchanged", len(res.Unchanged)))
	return nil
}

func runRetentionLoop(ctx context.Context, sweeper handlers.Sweeper, hours int, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.Sweep(ctx, hours, false); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Scheduled retention sweep failed", zap.Error(err))
			}
		}
	}
}

type storeHealthChecker struct {
	store interface{ Ping(context.Context) error }
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// schedulerHealthChecker fails while the most recent scheduled cycle could
// not run. A stopped scheduler is not a failure.
type schedulerHealthChecker struct {
	sched interface{ Status() scheduler.Status }
}

func (c schedulerHealthChecker) CheckHealth(context.Context) error {
	if st := c.sched.Status(); st.Running && st.LastError != "" {
		return fmt.Errorf("last collection cycle failed: %s", st.LastError)
	}
	return nil
}
