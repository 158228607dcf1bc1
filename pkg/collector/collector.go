// Package collector runs one collection cycle: it polls every active cluster
// concurrently and upserts a snapshot per observed job.
//
// Faults are contained at three boundaries:
//   - per job: a failed fetch, sanitize or upsert is logged and the job skipped
//   - per cluster: an error or panic becomes a Result with StatusError
//   - per cycle: CollectAll never fails; every cluster yields a Result
package collector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/flinkwatch/pkg/flink"
	"github.com/3leaps/flinkwatch/pkg/jobmetrics"
	"github.com/3leaps/flinkwatch/pkg/sanitize"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

// Status is the outcome of collecting one cluster.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusError     Status = "error"
)

// Result is the per-cluster outcome of a cycle. JobsFound is set only when
// the job list was retrieved; JobsProcessed < *JobsFound signals skipped jobs.
type Result struct {
	ClusterName   string `json:"cluster_name"`
	Status        Status `json:"status"`
	JobsProcessed int    `json:"jobs_processed"`
	JobsFound     *int   `json:"jobs_found,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ClusterClient is the subset of the Flink client the collector needs.
type ClusterClient interface {
	HealthCheck(ctx context.Context) bool
	ListJobs(ctx context.Context) ([]flink.JobSummary, error)
	GetJobDetails(ctx context.Context, jobID string) (jobmetrics.Document, error)
	Close() error
}

// ClientFactory acquires a client for one cluster. The collector closes it
// when the cluster's collection ends.
type ClientFactory func(cluster snapshotstore.Cluster) (ClusterClient, error)

// Store is the persistence the collector writes to and summarizes.
type Store interface {
	Upsert(ctx context.Context, snap snapshotstore.Snapshot) (*snapshotstore.Snapshot, error)
	ListActiveClusters(ctx context.Context) ([]snapshotstore.Cluster, error)
	ListClusters(ctx context.Context) ([]snapshotstore.Cluster, error)
	Statistics(ctx context.Context, clusterName string) (*snapshotstore.Statistics, error)
	LastSnapshotTime(ctx context.Context) (*time.Time, error)
}

// NewFlinkClientFactory returns a factory building flink.Client instances
// that share cfg; BaseURL is taken from each cluster.
func NewFlinkClientFactory(cfg flink.Config, logger *zap.Logger) ClientFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(cluster snapshotstore.Cluster) (ClusterClient, error) {
		c := cfg
		c.BaseURL = cluster.URL
		return flink.New(c, logger.With(zap.String("cluster", cluster.Name)))
	}
}

// Config configures a Collector.
type Config struct {
	// JobConcurrency bounds concurrent job processing within one cluster.
	// Values <= 1 process jobs sequentially.
	JobConcurrency int

	Logger *zap.Logger

	// Sanitizer defaults to one logging through Logger.
	Sanitizer *sanitize.Sanitizer
}

// Collector orchestrates client, extractor, sanitizer and store.
type Collector struct {
	store     Store
	newClient ClientFactory
	sanitizer *sanitize.Sanitizer
	logger    *zap.Logger
	jobLimit  int

	mu             sync.Mutex
	lastCollection time.Time
}

// New builds a Collector.
func New(store Store, factory ClientFactory, cfg Config) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitizer := cfg.Sanitizer
	if sanitizer == nil {
		sanitizer = sanitize.New(logger)
	}
	limit := cfg.JobConcurrency
	if limit < 1 {
		limit = 1
	}
	return &Collector{
		store:     store,
		newClient: factory,
		sanitizer: sanitizer,
		logger:    logger,
		jobLimit:  limit,
	}
}

// CollectActive lists the active clusters and collects them. An error means
// the cluster registry could not be read; cluster faults never surface here.
func (c *Collector) CollectActive(ctx context.Context) ([]Result, error) {
	clusters, err := c.store.ListActiveClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active clusters: %w", err)
	}
	c.logger.Info("Found active clusters", zap.Int("count", len(clusters)))
	if len(clusters) == 0 {
		c.logger.Warn("No active clusters found")
	}
	return c.CollectAll(ctx, clusters), nil
}

// CollectAll collects every cluster concurrently and returns one Result per
// cluster, in input order. It never fails as a whole.
func (c *Collector) CollectAll(ctx context.Context, clusters []snapshotstore.Cluster) []Result {
	if len(clusters) == 0 {
		return []Result{}
	}

	cycleID := uuid.NewString()
	logger := c.logger.With(zap.String("cycle_id", cycleID))
	logger.Info("Starting data collection", zap.Int("clusters", len(clusters)))
	start := time.Now()

	results := make([]Result, len(clusters))
	var g errgroup.Group
	for i, cluster := range clusters {
		g.Go(func() error {
			// CollectCluster recovers its own panics; this guards the slot
			// write so one goroutine can never take down the cycle.
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Cluster task panicked",
						zap.String("cluster", cluster.Name),
						zap.Any("panic", r),
					)
					results[i] = errorResult(cluster.Name, fmt.Errorf("panic: %v", r))
				}
			}()
			results[i] = c.CollectCluster(ctx, cluster)
			return nil
		})
	}
	_ = g.Wait()

	healthy, totalJobs := 0, 0
	for _, r := range results {
		if r.Status == StatusHealthy {
			healthy++
		}
		totalJobs += r.JobsProcessed
	}

	elapsed := time.Since(start)
	cycleDuration.Observe(elapsed.Seconds())

	c.mu.Lock()
	c.lastCollection = time.Now().UTC()
	c.mu.Unlock()

	logger.Info("Data collection completed",
		zap.String("healthy", fmt.Sprintf("%d/%d", healthy, len(clusters))),
		zap.Int("jobs_processed", totalJobs),
		zap.Duration("duration", elapsed),
	)
	return results
}

// CollectCluster runs probe, list and per-job processing for one cluster.
func (c *Collector) CollectCluster(ctx context.Context, cluster snapshotstore.Cluster) (result Result) {
	logger := c.logger.With(zap.String("cluster", cluster.Name))
	logger.Info("Collecting data from cluster", zap.String("url", cluster.URL))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Cluster collection panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result = errorResult(cluster.Name, fmt.Errorf("panic: %v", r))
		}
		clusterResults.WithLabelValues(string(result.Status)).Inc()
	}()

	client, err := c.newClient(cluster)
	if err != nil {
		logger.Error("Failed to create cluster client", zap.Error(err))
		return errorResult(cluster.Name, err)
	}
	defer func() { _ = client.Close() }()

	if !client.HealthCheck(ctx) {
		logger.Warn("Cluster is not healthy")
		return Result{
			ClusterName: cluster.Name,
			Status:      StatusUnhealthy,
			Error:       "health check failed",
		}
	}

	jobs, err := client.ListJobs(ctx)
	if err != nil {
		logger.Error("Error collecting data from cluster", zap.Error(err))
		return errorResult(cluster.Name, err)
	}
	logger.Info("Found jobs", zap.Int("count", len(jobs)))

	processed, err := c.processJobs(ctx, logger, cluster, client, jobs)
	if err != nil {
		logger.Error("Error collecting data from cluster", zap.Error(err))
		res := errorResult(cluster.Name, err)
		res.JobsProcessed = processed
		return res
	}

	found := len(jobs)
	jobsProcessed.WithLabelValues(cluster.Name).Add(float64(processed))
	jobsSkipped.WithLabelValues(cluster.Name).Add(float64(found - processed))
	logger.Info("Cluster collection finished", zap.Int("jobs_processed", processed), zap.Int("jobs_found", found))

	return Result{
		ClusterName:   cluster.Name,
		Status:        StatusHealthy,
		JobsProcessed: processed,
		JobsFound:     &found,
	}
}

// processJobs handles every listed job and returns the number persisted.
// Only a cancelled context aborts the loop.
func (c *Collector) processJobs(ctx context.Context, logger *zap.Logger, cluster snapshotstore.Cluster, client ClusterClient, jobs []flink.JobSummary) (int, error) {
	var processed atomic.Int64

	handle := func(job flink.JobSummary) {
		ok, err := c.processJob(ctx, cluster, client, job)
		if err != nil {
			logger.Error("Error processing job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		if ok {
			processed.Add(1)
		}
	}

	if c.jobLimit <= 1 {
		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return int(processed.Load()), err
			}
			handle(job)
		}
		return int(processed.Load()), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.jobLimit)
	for _, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			handle(job)
			return nil
		})
	}
	_ = g.Wait()
	return int(processed.Load()), ctx.Err()
}

var errDetailsUnavailable = errors.New("job details unavailable")

// processJob persists one job. It reports false without error for listed
// entries that carry no id.
func (c *Collector) processJob(ctx context.Context, cluster snapshotstore.Cluster, client ClusterClient, job flink.JobSummary) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()

	if job.ID == "" {
		return false, nil
	}

	details, err := client.GetJobDetails(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("get job details: %w", err)
	}
	if details == nil {
		return false, errDetailsUnavailable
	}

	metrics := jobmetrics.Extract(details)
	if metrics.JobID == nil {
		metrics.JobID = job.ID
	}

	snap, warnings, err := c.sanitizer.Sanitize(cluster.Name, metrics, details)
	if err != nil {
		return false, err
	}
	for _, w := range warnings {
		sanitizerWarnings.WithLabelValues(w.Field).Inc()
	}

	if _, err := c.store.Upsert(ctx, snap); err != nil {
		return false, fmt.Errorf("upsert snapshot: %w", err)
	}
	c.logger.Debug("Processed job",
		zap.String("cluster", cluster.Name),
		zap.String("job_id", snap.JobID),
		zap.String("state", snap.JobState),
	)
	return true, nil
}

func errorResult(cluster string, err error) Result {
	return Result{
		ClusterName: cluster,
		Status:      StatusError,
		Error:       err.Error(),
	}
}
