package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/flinkwatch/internal/errors"
	"github.com/3leaps/flinkwatch/pkg/collector"
	"github.com/3leaps/flinkwatch/pkg/flink"
	"github.com/3leaps/flinkwatch/pkg/retention"
	"github.com/3leaps/flinkwatch/pkg/scheduler"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

const (
	defaultJobLimit = 100
	maxJobLimit     = 1000
	maxBodyBytes    = 1 << 20
)

// DefaultCollectTimeout bounds an on-demand collection when CollectTimeout is unset.
const DefaultCollectTimeout = 5 * time.Minute

// Collector runs collections on demand.
type Collector interface {
	CollectActive(ctx context.Context) ([]collector.Result, error)
	CollectCluster(ctx context.Context, cluster snapshotstore.Cluster) collector.Result
	Summary(ctx context.Context) (*collector.Summary, error)
}

// Scheduler controls the periodic collection loop.
type Scheduler interface {
	Start(interval time.Duration) bool
	Stop()
	Status() scheduler.Status
}

// Sweeper applies the retention window.
type Sweeper interface {
	Sweep(ctx context.Context, hoursToKeep int, dryRun bool) (*retention.Result, error)
}

// ClientFactory builds a Flink client for direct cluster calls.
type ClientFactory func(cluster snapshotstore.Cluster) (*flink.Client, error)

// API serves the /api routes.
type API struct {
	Store     *snapshotstore.Store
	Collector Collector
	Scheduler Scheduler
	Sweeper   Sweeper
	NewClient ClientFactory
	Logger    *zap.Logger

	// RetentionHours is the cleanup default when no hours parameter is given.
	RetentionHours int
	// Interval is the scheduler default when start is called without one.
	Interval time.Duration
	// CollectTimeout bounds on-demand collections, which outlive the request.
	CollectTimeout time.Duration
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}

	r.Get("/health", a.health)

	r.Route("/clusters", func(r chi.Router) {
		r.Get("/", a.listClusters)
		r.Post("/", a.createCluster)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getCluster)
			r.Put("/", a.updateCluster)
			r.Delete("/", a.deleteCluster)
			r.Post("/activate", a.setClusterActive(true))
			r.Post("/deactivate", a.setClusterActive(false))
			r.Get("/summary", a.clusterSummary)
			r.Get("/overview", a.clusterOverview)
			r.Post("/collect", a.collectCluster)
		})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.listJobs)
		r.Get("/running", a.listJobsBy(func(ctx context.Context, s *snapshotstore.Store, cluster string) ([]snapshotstore.Snapshot, error) {
			return s.ListRunning(ctx, cluster)
		}))
		r.Get("/failed", a.listJobsBy(func(ctx context.Context, s *snapshotstore.Store, cluster string) ([]snapshotstore.Snapshot, error) {
			return s.ListFailed(ctx, cluster)
		}))
		r.Get("/finished", a.listJobsBy(func(ctx context.Context, s *snapshotstore.Store, cluster string) ([]snapshotstore.Snapshot, error) {
			return s.ListFinished(ctx, cluster)
		}))
		r.Get("/long-running", a.listLongRunning)
		r.Get("/recent", a.listRecent)
		r.Get("/statistics", a.jobStatistics)
		r.Get("/search", a.searchJobs)
		r.Get("/{job_id}/{cluster_name}", a.getJob)
		r.Delete("/{job_id}/{cluster_name}", a.deleteJob)
		r.Post("/{job_id}/{cluster_name}/cancel", a.cancelJob)
	})

	r.Post("/collect", a.collect)
	r.Get("/collect/summary", a.collectSummary)
	r.Post("/cleanup", a.cleanup)

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/", a.schedulerStatus)
		r.Post("/start", a.schedulerStart)
		r.Post("/stop", a.schedulerStop)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewValidationError(fmt.Sprintf("%s must be an integer", name)).WithContext(name, raw)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.NewValidationError(fmt.Sprintf("%s must be a boolean", name)).WithContext(name, raw)
	}
	return b, nil
}

func queryLimit(r *http.Request) (int, error) {
	limit, err := queryInt(r, "limit", defaultJobLimit)
	if err != nil {
		return 0, err
	}
	if limit < 1 || limit > maxJobLimit {
		return 0, apperrors.NewValidationError(fmt.Sprintf("limit must be between 1 and %d", maxJobLimit)).WithContext("limit", limit)
	}
	return limit, nil
}

func clusterID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewValidationError("cluster id must be a positive integer").WithContext("id", raw)
	}
	return id, nil
}

func clusterNotFound(id int64) error {
	return apperrors.NewNotFoundError("cluster not found").WithContext("cluster_id", id)
}

// loadCluster resolves {id} or writes the error response and returns nil.
func (a *API) loadCluster(w http.ResponseWriter, r *http.Request) *snapshotstore.Cluster {
	id, err := clusterID(r)
	if err != nil {
		respondWithError(w, r, err)
		return nil
	}
	c, err := a.Store.GetCluster(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return nil
	}
	if c == nil {
		respondWithError(w, r, clusterNotFound(id))
		return nil
	}
	return c
}

func unavailable(feature string) error {
	return apperrors.NewServiceUnavailableError(feature + " is not configured")
}

// health serves the service-level status: database connectivity plus
// registry and snapshot counts.
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	}

	if err := a.Store.Ping(ctx); err != nil {
		a.Logger.Error("Health check failed", zap.Error(err))
		apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
			"database unavailable", map[string]any{"database": "disconnected"})
		return
	}

	active, err := a.Store.CountActiveClusters(ctx)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	stats, err := a.Store.Statistics(ctx, "")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	resp["active_clusters"] = active
	resp["total_jobs"] = stats.TotalJobs
	if a.Scheduler != nil {
		resp["scheduler_running"] = a.Scheduler.Status().Running
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listClusters(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active_only")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var clusters []snapshotstore.Cluster
	if activeOnly {
		clusters, err = a.Store.ListActiveClusters(r.Context())
	} else {
		clusters, err = a.Store.ListClusters(r.Context())
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

type createClusterRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active"`
}

func (a *API) createCluster(w http.ResponseWriter, r *http.Request) {
	var req createClusterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	c := snapshotstore.Cluster{
		Name:        req.Name,
		URL:         req.URL,
		Description: req.Description,
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	created, err := a.Store.CreateCluster(r.Context(), c)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.Logger.Info("Registered cluster", zap.String("cluster", created.Name), zap.Int64("id", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getCluster(w http.ResponseWriter, r *http.Request) {
	if c := a.loadCluster(w, r); c != nil {
		writeJSON(w, http.StatusOK, c)
	}
}

func (a *API) updateCluster(w http.ResponseWriter, r *http.Request) {
	id, err := clusterID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var upd snapshotstore.ClusterUpdate
	if err := decodeJSON(r, &upd); err != nil {
		respondWithError(w, r, err)
		return
	}

	updated, err := a.Store.UpdateCluster(r.Context(), id, upd)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if updated == nil {
		respondWithError(w, r, clusterNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteCluster(w http.ResponseWriter, r *http.Request) {
	id, err := clusterID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	deleted, err := a.Store.DeleteCluster(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !deleted {
		respondWithError(w, r, clusterNotFound(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setClusterActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := clusterID(r)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		c, err := a.Store.SetClusterActive(r.Context(), id, active)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		if c == nil {
			respondWithError(w, r, clusterNotFound(id))
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (a *API) clusterSummary(w http.ResponseWriter, r *http.Request) {
	c := a.loadCluster(w, r)
	if c == nil {
		return
	}
	summary, err := a.Store.ClusterSummary(r.Context(), c.Name)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) clusterOverview(w http.ResponseWriter, r *http.Request) {
	if a.NewClient == nil {
		respondWithError(w, r, unavailable("flink client"))
		return
	}
	c := a.loadCluster(w, r)
	if c == nil {
		return
	}

	client, err := a.NewClient(*c)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = client.Close() }()

	overview, err := client.Overview(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "fetch cluster overview"))
		return
	}
	if overview == nil {
		respondWithError(w, r, apperrors.NewExternalServiceError("cluster overview unavailable").WithContext("cluster", c.Name))
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (a *API) collectCluster(w http.ResponseWriter, r *http.Request) {
	if a.Collector == nil {
		respondWithError(w, r, unavailable("collector"))
		return
	}
	c := a.loadCluster(w, r)
	if c == nil {
		return
	}
	ctx, cancel := a.collectContext(r)
	defer cancel()
	writeJSON(w, http.StatusOK, a.Collector.CollectCluster(ctx, *c))
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	q := r.URL.Query()
	cluster, state := q.Get("cluster_name"), q.Get("state")

	var jobs []snapshotstore.Snapshot
	if state != "" {
		jobs, err = a.Store.ListByState(r.Context(), state, cluster)
	} else {
		jobs, err = a.Store.List(r.Context(), cluster)
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, truncateJobs(jobs, limit))
}

func truncateJobs(jobs []snapshotstore.Snapshot, limit int) []snapshotstore.Snapshot {
	if jobs == nil {
		return []snapshotstore.Snapshot{}
	}
	if len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

type listFunc func(ctx context.Context, s *snapshotstore.Store, cluster string) ([]snapshotstore.Snapshot, error)

func (a *API) listJobsBy(fn listFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := fn(r.Context(), a.Store, r.URL.Query().Get("cluster_name"))
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, truncateJobs(jobs, maxJobLimit))
	}
}

func (a *API) listLongRunning(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", snapshotstore.DefaultLongRunningHours)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	jobs, err := a.Store.ListLongRunning(r.Context(), hours, r.URL.Query().Get("cluster_name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, truncateJobs(jobs, maxJobLimit))
}

func (a *API) listRecent(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	jobs, err := a.Store.ListRecent(r.Context(), hours, r.URL.Query().Get("cluster_name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, truncateJobs(jobs, maxJobLimit))
}

func (a *API) jobStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Store.Statistics(r.Context(), r.URL.Query().Get("cluster_name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) searchJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	q := r.URL.Query()
	params := snapshotstore.SearchParams{
		Pattern:     q.Get("q"),
		Glob:        q.Get("glob"),
		ClusterName: q.Get("cluster_name"),
		Limit:       limit,
	}
	if params.Pattern == "" && params.Glob == "" {
		respondWithError(w, r, apperrors.NewValidationError("q or glob is required"))
		return
	}

	jobs, err := a.Store.Search(r.Context(), params)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, truncateJobs(jobs, limit))
}

func jobKey(r *http.Request) (string, string) {
	return chi.URLParam(r, "job_id"), chi.URLParam(r, "cluster_name")
}

func jobNotFound(jobID, cluster string) error {
	return apperrors.NewNotFoundError("job not found").
		WithContext("job_id", jobID).
		WithContext("cluster_name", cluster)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, cluster := jobKey(r)
	snap, err := a.Store.Get(r.Context(), jobID, cluster)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if snap == nil {
		respondWithError(w, r, jobNotFound(jobID, cluster))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, cluster := jobKey(r)
	deleted, err := a.Store.Delete(r.Context(), jobID, cluster)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !deleted {
		respondWithError(w, r, jobNotFound(jobID, cluster))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	if a.NewClient == nil {
		respondWithError(w, r, unavailable("flink client"))
		return
	}
	jobID, clusterName := jobKey(r)

	c, err := a.Store.GetClusterByName(r.Context(), clusterName)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if c == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("cluster not found").WithContext("cluster_name", clusterName))
		return
	}

	client, err := a.NewClient(*c)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = client.Close() }()

	if !client.CancelJob(r.Context(), jobID) {
		respondWithError(w, r, apperrors.NewExternalServiceError("cluster rejected the cancel request").
			WithContext("job_id", jobID).
			WithContext("cluster_name", clusterName))
		return
	}
	a.Logger.Info("Job cancel requested", zap.String("job_id", jobID), zap.String("cluster", clusterName))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       jobID,
		"cluster_name": clusterName,
		"cancelled":    true,
	})
}

func (a *API) collect(w http.ResponseWriter, r *http.Request) {
	if a.Collector == nil {
		respondWithError(w, r, unavailable("collector"))
		return
	}
	ctx, cancel := a.collectContext(r)
	defer cancel()
	results, err := a.Collector.CollectActive(ctx)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(ctx, err, "collection failed"))
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// collectContext detaches a collection from the request so a client
// disconnect does not abandon half-persisted snapshots.
func (a *API) collectContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := a.CollectTimeout
	if timeout <= 0 {
		timeout = DefaultCollectTimeout
	}
	return context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
}

func (a *API) collectSummary(w http.ResponseWriter, r *http.Request) {
	if a.Collector == nil {
		respondWithError(w, r, unavailable("collector"))
		return
	}
	summary, err := a.Collector.Summary(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) cleanup(w http.ResponseWriter, r *http.Request) {
	def := a.RetentionHours
	if def <= 0 {
		def = snapshotstore.DefaultRetentionHours
	}
	hours, err := queryInt(r, "hours", def)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	dryRun, err := queryBool(r, "dry_run")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	sweeper := a.Sweeper
	if sweeper == nil {
		sweeper = retention.New(a.Store, nil, a.Logger)
	}
	res, err := sweeper.Sweep(r.Context(), hours, dryRun)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	if a.Scheduler == nil {
		respondWithError(w, r, unavailable("scheduler"))
		return
	}
	writeJSON(w, http.StatusOK, a.Scheduler.Status())
}

func (a *API) schedulerStart(w http.ResponseWriter, r *http.Request) {
	if a.Scheduler == nil {
		respondWithError(w, r, unavailable("scheduler"))
		return
	}

	interval := a.Interval
	if raw := r.URL.Query().Get("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondWithError(w, r, apperrors.NewValidationError("interval must be a positive duration such as 60s").WithContext("interval", raw))
			return
		}
		interval = d
	}

	started := a.Scheduler.Start(interval)
	writeJSON(w, http.StatusOK, map[string]any{
		"started": started,
		"status":  a.Scheduler.Status(),
	})
}

func (a *API) schedulerStop(w http.ResponseWriter, r *http.Request) {
	if a.Scheduler == nil {
		respondWithError(w, r, unavailable("scheduler"))
		return
	}
	a.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"status": a.Scheduler.Status()})
}
