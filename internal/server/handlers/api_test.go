package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/flinkwatch/internal/errors"
	"github.com/3leaps/flinkwatch/pkg/collector"
	"github.com/3leaps/flinkwatch/pkg/flink"
	"github.com/3leaps/flinkwatch/pkg/scheduler"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

type stubCollector struct {
	results []collector.Result
	err     error
	single  map[string]collector.Result
}

func (s *stubCollector) CollectActive(context.Context) ([]collector.Result, error) {
	return s.results, s.err
}

func (s *stubCollector) CollectCluster(_ context.Context, c snapshotstore.Cluster) collector.Result {
	if r, ok := s.single[c.Name]; ok {
		return r
	}
	return collector.Result{ClusterName: c.Name, Status: collector.StatusHealthy}
}

func (s *stubCollector) Summary(context.Context) (*collector.Summary, error) {
	return &collector.Summary{TotalClusters: 2, ActiveClusters: 1, TotalJobs: 3}, nil
}

type stubScheduler struct {
	mu       sync.Mutex
	running  bool
	interval time.Duration
}

func (s *stubScheduler) Start(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running, s.interval = true, interval
	return true
}

func (s *stubScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *stubScheduler) Status() scheduler.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scheduler.Status{Running: s.running, Interval: s.interval}
}

type apiFixture struct {
	store     *snapshotstore.Store
	collector *stubCollector
	scheduler *stubScheduler
	router    chi.Router
	now       time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	store, err := snapshotstore.Open(ctx, snapshotstore.Config{Path: ":memory:"},
		snapshotstore.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	f := &apiFixture{
		store:     store,
		collector: &stubCollector{},
		scheduler: &stubScheduler{},
		now:       now,
	}
	api := &API{
		Store:     store,
		Collector: f.collector,
		Scheduler: f.scheduler,
		NewClient: func(c snapshotstore.Cluster) (*flink.Client, error) {
			return flink.New(flink.Config{BaseURL: c.URL, Timeout: 2 * time.Second}, nil)
		},
		Interval: time.Minute,
	}
	r := chi.NewRouter()
	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)
	r.Route("/api", api.Routes)
	f.router = r
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) addCluster(t *testing.T, name, url string, active bool) *snapshotstore.Cluster {
	t.Helper()
	c, err := f.store.CreateCluster(context.Background(), snapshotstore.Cluster{Name: name, URL: url, IsActive: active})
	require.NoError(t, err)
	return c
}

func (f *apiFixture) addJob(t *testing.T, id, cluster, state, name string) {
	t.Helper()
	_, err := f.store.Upsert(context.Background(), snapshotstore.Snapshot{
		JobID:       id,
		ClusterName: cluster,
		JobName:     &name,
		JobState:    state,
	})
	require.NoError(t, err)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[apperrors.HTTPErrorResponse](t, rec).Error.Code
}

func TestClusterCRUD(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/clusters", map[string]any{
		"name": "east", "url": "http://flink-east:8081", "description": "primary",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[snapshotstore.Cluster](t, rec)
	assert.True(t, created.IsActive)
	assert.Equal(t, "east", created.Name)

	rec = f.do(t, http.MethodPost, "/api/clusters", map[string]any{"name": "east", "url": "http://other:8081"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeConflict, errorCode(t, rec))

	path := fmt.Sprintf("/api/clusters/%d", created.ID)
	rec = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, path, map[string]any{"description": "dr site"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[snapshotstore.Cluster](t, rec)
	assert.Equal(t, "dr site", updated.Description)
	assert.Equal(t, "http://flink-east:8081", updated.URL)

	rec = f.do(t, http.MethodPost, path+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[snapshotstore.Cluster](t, rec).IsActive)

	rec = f.do(t, http.MethodGet, "/api/clusters?active_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]snapshotstore.Cluster](t, rec))

	rec = f.do(t, http.MethodPost, path+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/clusters?active_only=true", nil)
	assert.Len(t, decode[[]snapshotstore.Cluster](t, rec), 1)

	rec = f.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClusterRequestValidation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"bad id", http.MethodGet, "/api/clusters/abc", nil, http.StatusBadRequest},
		{"zero id", http.MethodGet, "/api/clusters/0", nil, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/clusters", `{"name":"a","url":"http://a:1","colour":"red"}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/clusters", `{"name":`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/api/clusters", map[string]any{"url": "http://a:1"}, http.StatusBadRequest},
		{"bad url", http.MethodPost, "/api/clusters", map[string]any{"name": "a", "url": "ftp://a"}, http.StatusBadRequest},
		{"bad active flag", http.MethodGet, "/api/clusters?active_only=maybe", nil, http.StatusBadRequest},
		{"update missing", http.MethodPut, "/api/clusters/99", map[string]any{"description": "x"}, http.StatusNotFound},
		{"activate missing", http.MethodPost, "/api/clusters/99/activate", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestJobQueries(t *testing.T) {
	f := newAPIFixture(t)
	f.addJob(t, "a1", "east", snapshotstore.StateRunning, "orders-etl")
	f.addJob(t, "a2", "east", snapshotstore.StateFailed, "payments-etl")
	f.addJob(t, "b1", "west", snapshotstore.StateFinished, "orders-backfill")

	tests := []struct {
		path string
		want []string
	}{
		{"/api/jobs", []string{"a1", "a2", "b1"}},
		{"/api/jobs?cluster_name=east", []string{"a1", "a2"}},
		{"/api/jobs?state=FAILED", []string{"a2"}},
		{"/api/jobs/running", []string{"a1"}},
		{"/api/jobs/failed", []string{"a2"}},
		{"/api/jobs/finished?cluster_name=west", []string{"b1"}},
		{"/api/jobs/recent?hours=1", []string{"a1", "a2", "b1"}},
		{"/api/jobs/search?q=orders", []string{"a1", "b1"}},
		{"/api/jobs/search?glob=*-etl&cluster_name=east", []string{"a1", "a2"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.path, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var ids []string
			for _, s := range decode[[]snapshotstore.Snapshot](t, rec) {
				ids = append(ids, s.JobID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}

	rec := f.do(t, http.MethodGet, "/api/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]snapshotstore.Snapshot](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/jobs/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[snapshotstore.Statistics](t, rec)
	assert.Equal(t, int64(3), stats.TotalJobs)
	assert.Equal(t, int64(2), stats.ByCluster["east"])
}

func TestJobQueryValidation(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{
		"/api/jobs?limit=0",
		"/api/jobs?limit=1001",
		"/api/jobs?limit=ten",
		"/api/jobs/search",
		"/api/jobs/recent?hours=soon",
		"/api/jobs/long-running?hours=-1",
	} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, apperrors.CodeValidation, errorCode(t, rec), path)
	}

	rec := f.do(t, http.MethodGet, "/api/jobs/empty", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobEmptyListsAreArrays(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/jobs/running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestGetAndDeleteJob(t *testing.T) {
	f := newAPIFixture(t)
	f.addJob(t, "a1", "east", snapshotstore.StateRunning, "orders-etl")

	rec := f.do(t, http.MethodGet, "/api/jobs/a1/east", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RUNNING", decode[snapshotstore.Snapshot](t, rec).JobState)

	rec = f.do(t, http.MethodGet, "/api/jobs/a1/west", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/jobs/a1/east", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/jobs/a1/east", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func fakeFlink(t *testing.T, cancelStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /overview", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"taskmanagers":2,"slots-total":8,"slots-available":3,"jobs-running":1,"flink-version":"1.18.1"}`))
	})
	mux.HandleFunc("PATCH /jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(cancelStatus)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClusterOverview(t *testing.T) {
	f := newAPIFixture(t)
	up := f.addCluster(t, "east", fakeFlink(t, http.StatusAccepted).URL, true)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)
	broken := f.addCluster(t, "west", down.URL, true)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/clusters/%d/overview", up.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ov := decode[flink.Overview](t, rec)
	assert.Equal(t, 2, ov.TaskManagers)
	assert.Equal(t, "1.18.1", ov.FlinkVersion)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/clusters/%d/overview", broken.ID), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, apperrors.CodeExternalService, errorCode(t, rec))
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)
	f.addCluster(t, "east", fakeFlink(t, http.StatusAccepted).URL, true)
	f.addCluster(t, "west", fakeFlink(t, http.StatusNotFound).URL, true)

	rec := f.do(t, http.MethodPost, "/api/jobs/a1/east/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rec)["cancelled"])

	rec = f.do(t, http.MethodPost, "/api/jobs/a1/west/cancel", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/jobs/a1/nowhere/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.collector.results = []collector.Result{
		{ClusterName: "east", Status: collector.StatusHealthy, JobsProcessed: 2},
		{ClusterName: "west", Status: collector.StatusUnhealthy, Error: "Cluster is not accessible"},
	}
	c := f.addCluster(t, "east", "http://flink-east:8081", true)
	f.collector.single = map[string]collector.Result{
		"east": {ClusterName: "east", Status: collector.StatusHealthy, JobsProcessed: 5},
	}

	rec := f.do(t, http.MethodPost, "/api/collect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[[]collector.Result](t, rec)
	require.Len(t, results, 2)
	assert.Equal(t, collector.StatusUnhealthy, results[1].Status)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/clusters/%d/collect", c.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decode[collector.Result](t, rec).JobsProcessed)

	rec = f.do(t, http.MethodGet, "/api/collect/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[collector.Summary](t, rec).TotalClusters)

	f.collector.err = fmt.Errorf("list clusters: %w", context.DeadlineExceeded)
	rec = f.do(t, http.MethodPost, "/api/collect", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

type ctxCapturingCollector struct {
	stubCollector
	ctxErr      error
	hasDeadline bool
	deadline    time.Time
}

func (c *ctxCapturingCollector) CollectActive(ctx context.Context) ([]collector.Result, error) {
	c.ctxErr = ctx.Err()
	c.deadline, c.hasDeadline = ctx.Deadline()
	return []collector.Result{}, nil
}

func TestCollectOutlivesClientDisconnect(t *testing.T) {
	coll := &ctxCapturingCollector{}
	api := &API{Collector: coll, CollectTimeout: time.Minute}
	r := chi.NewRouter()
	r.Route("/api", api.Routes)

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/collect", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	start := time.Now()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, coll.ctxErr, "collection must not inherit the request's cancellation")
	require.True(t, coll.hasDeadline)
	assert.WithinDuration(t, start.Add(time.Minute), coll.deadline, 5*time.Second)
}

func TestCollectDefaultTimeout(t *testing.T) {
	coll := &ctxCapturingCollector{}
	api := &API{Collector: coll}
	r := chi.NewRouter()
	r.Route("/api", api.Routes)

	start := time.Now()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/collect", nil))

	require.True(t, coll.hasDeadline)
	assert.WithinDuration(t, start.Add(DefaultCollectTimeout), coll.deadline, 5*time.Second)
}

func TestCleanupEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addJob(t, "a1", "east", snapshotstore.StateFinished, "old")

	rec := f.do(t, http.MethodPost, "/api/cleanup?hours=0&dry_run=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[map[string]any](t, rec)
	assert.Equal(t, true, res["dry_run"])

	rec = f.do(t, http.MethodGet, "/api/jobs", nil)
	assert.Len(t, decode[[]snapshotstore.Snapshot](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/api/cleanup?hours=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/cleanup?hours=168", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, rec)["deleted"])
}

func TestSchedulerEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/scheduler", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[scheduler.Status](t, rec).Running)

	rec = f.do(t, http.MethodPost, "/api/scheduler/start?interval=30s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["started"])
	assert.Equal(t, 30*time.Second, f.scheduler.Status().Interval)

	rec = f.do(t, http.MethodPost, "/api/scheduler/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["started"])

	rec = f.do(t, http.MethodPost, "/api/scheduler/start?interval=fast", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scheduler/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.scheduler.Status().Running)
}

func TestServiceHealth(t *testing.T) {
	f := newAPIFixture(t)
	f.addCluster(t, "east", "http://flink-east:8081", true)
	f.addCluster(t, "west", "http://flink-west:8081", false)
	f.addJob(t, "a1", "east", snapshotstore.StateRunning, "orders-etl")

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
	assert.Equal(t, float64(1), body["active_clusters"])
	assert.Equal(t, float64(1), body["total_jobs"])

	require.NoError(t, f.store.Close())
	rec = f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnconfiguredDependencies(t *testing.T) {
	f := newAPIFixture(t)
	api := &API{Store: f.store}
	r := chi.NewRouter()
	r.Route("/api", api.Routes)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/collect"},
		{http.MethodGet, "/api/collect/summary"},
		{http.MethodGet, "/api/scheduler"},
		{http.MethodPost, "/api/jobs/a1/east/cancel"},
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}
}
