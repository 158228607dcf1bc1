// Package flink is a thin client for the Flink JobManager REST API.
//
// Read calls degrade instead of failing: transport errors, non-2xx statuses
// and undecodable bodies are logged at WARN and surface as false, empty or
// nil results. Only a cancelled or expired caller context is returned as an
// error, so the caller can stop work it no longer needs.
package flink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/flinkwatch/pkg/jobmetrics"
)

const (
	DefaultTimeout             = 10 * time.Second
	DefaultMaxIdleConnsPerHost = 10
	DefaultMaxConnsPerHost     = 20

	endpointConfig   = "/config"
	endpointOverview = "/overview"
	endpointJobs     = "/jobs"

	// Job detail documents grow with the vertex count; 16 MB is well above
	// anything a JobManager returns.
	maxResponseBytes = 16 * 1024 * 1024
)

// Config configures a Client.
type Config struct {
	// BaseURL is the JobManager REST address, e.g. http://localhost:8081.
	BaseURL string

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration

	// MaxIdleConnsPerHost is the number of kept-alive connections. Default: 10.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost caps concurrent connections to the cluster. Default: 20.
	MaxConnsPerHost int

	// RateLimit caps requests per second. Zero disables rate limiting.
	RateLimit float64
}

// JobSummary is one entry of GET /jobs.
type JobSummary struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Overview is the response of GET /overview.
type Overview struct {
	TaskManagers   int    `json:"taskmanagers"`
	SlotsTotal     int    `json:"slots-total"`
	SlotsAvailable int    `json:"slots-available"`
	JobsRunning    int    `json:"jobs-running"`
	JobsFinished   int    `json:"jobs-finished"`
	JobsCancelled  int    `json:"jobs-cancelled"`
	JobsFailed     int    `json:"jobs-failed"`
	FlinkVersion   string `json:"flink-version"`
	FlinkCommit    string `json:"flink-commit"`
}

// Entries are decoded loosely so one malformed job does not hide the rest.
type jobsResponse struct {
	Jobs []any `json:"jobs"`
}

// Client talks to one cluster. It owns a dedicated connection pool which
// Close releases; callers acquire a Client per scope and defer Close.
type Client struct {
	baseURL   string
	http      *http.Client
	transport *http.Transport
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New builds a Client for cfg.BaseURL.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("flink base url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid flink base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxIdleConnsPerHost
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost

	c := &Client{
		baseURL: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		transport: transport,
		logger:    logger.With(zap.String("cluster_url", base)),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// BaseURL returns the normalized cluster address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases pooled connections. It is safe to call more than once.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// HealthCheck probes GET /config and reports true only on HTTP 200.
func (c *Client) HealthCheck(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, endpointConfig, nil)
	if err != nil {
		c.logger.Warn("Health check failed", zap.Error(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Health check failed", zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// ListJobs returns the job summaries from GET /jobs, in upstream order.
// Entries without a string or numeric id are skipped; a non-string status
// is left empty.
func (c *Client) ListJobs(ctx context.Context) ([]JobSummary, error) {
	var out jobsResponse
	if err := c.getJSON(ctx, endpointJobs, &out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("Failed to list jobs", zap.Error(err))
		return []JobSummary{}, nil
	}

	jobs := make([]JobSummary, 0, len(out.Jobs))
	for i, raw := range out.Jobs {
		entry, ok := raw.(map[string]any)
		if !ok {
			c.logger.Warn("Skipping malformed job entry", zap.Int("index", i))
			continue
		}
		id, ok := summaryID(entry["id"])
		if !ok {
			c.logger.Warn("Skipping job entry without a usable id",
				zap.Int("index", i), zap.Any("id", entry["id"]))
			continue
		}
		status, _ := entry["status"].(string)
		jobs = append(jobs, JobSummary{ID: id, Status: status})
	}
	return jobs, nil
}

func summaryID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		return id.String(), true
	default:
		return "", false
	}
}

// GetJobDetails returns the raw detail document from GET /jobs/{id}, or nil
// when it cannot be fetched. Numbers are decoded as json.Number.
func (c *Client) GetJobDetails(ctx context.Context, jobID string) (jobmetrics.Document, error) {
	var doc jobmetrics.Document
	if err := c.getJSON(ctx, endpointJobs+"/"+url.PathEscape(jobID), &doc); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("Failed to get job details", zap.String("job_id", jobID), zap.Error(err))
		return nil, nil
	}
	return doc, nil
}

// Overview returns the cluster overview, or nil when it cannot be fetched.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.getJSON(ctx, endpointOverview, &out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("Failed to get cluster overview", zap.Error(err))
		return nil, nil
	}
	return &out, nil
}

// CancelJob requests cancellation with PATCH /jobs/{id} and reports whether
// the cluster accepted it.
func (c *Client) CancelJob(ctx context.Context, jobID string) bool {
	resp, err := c.do(ctx, http.MethodPatch, endpointJobs+"/"+url.PathEscape(jobID), bytes.NewReader([]byte("{}")))
	if err != nil {
		c.logger.Warn("Failed to cancel job", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Failed to cancel job", zap.String("job_id", jobID), zap.Int("status", resp.StatusCode))
		return false
	}
	c.logger.Info("Job cancelled", zap.String("job_id", jobID))
	return true
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(body, 200)}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.waitForRateLimit(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// waitForRateLimit blocks until the rate limiter allows a request.
// Returns immediately if rate limiting is disabled.
func (c *Client) waitForRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// IsContextError reports whether err came from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
