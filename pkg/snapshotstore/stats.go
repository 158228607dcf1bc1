package snapshotstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UnknownJobType labels snapshots without a job_type in the statistics rollup.
const UnknownJobType = "Unknown"

// Statistics is an aggregate over stored snapshots.
type Statistics struct {
	TotalJobs int64            `json:"total_jobs"`
	ByState   map[string]int64 `json:"by_state"`
	ByCluster map[string]int64 `json:"by_cluster"`
	ByType    map[string]int64 `json:"by_type"`
}

// ClusterSummary is the per-cluster job rollup.
type ClusterSummary struct {
	ClusterName string     `json:"cluster_name"`
	TotalJobs   int64      `json:"total_jobs"`
	Running     int64      `json:"running_jobs"`
	Failed      int64      `json:"failed_jobs"`
	Finished    int64      `json:"finished_jobs"`
	LastUpdate  *time.Time `json:"last_update"`
}

// Statistics counts snapshots in total and grouped by state, cluster and job type.
func (s *Store) Statistics(ctx context.Context, clusterName string) (*Statistics, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var f filter
	f.cluster(clusterName)
	where := f.where()

	stats := &Statistics{
		ByState:   map[string]int64{},
		ByCluster: map[string]int64{},
		ByType:    map[string]int64{},
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_snapshots`+where, f.args...).Scan(&stats.TotalJobs); err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}

	groups := []struct {
		expr string
		into map[string]int64
	}{
		{"job_state", stats.ByState},
		{"cluster_name", stats.ByCluster},
		{"COALESCE(job_type, '" + UnknownJobType + "')", stats.ByType},
	}
	for _, g := range groups {
		if err := s.countGrouped(ctx, g.expr, where, f.args, g.into); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func (s *Store) countGrouped(ctx context.Context, expr, where string, args []any, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+expr+` AS k, COUNT(*) FROM job_snapshots`+where+` GROUP BY k`, args...)
	if err != nil {
		return fmt.Errorf("group snapshots by %s: %w", expr, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan grouped count: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

// ClusterSummary rolls up one cluster's snapshots.
func (s *Store) ClusterSummary(ctx context.Context, clusterName string) (*ClusterSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	summary := &ClusterSummary{ClusterName: clusterName}
	var lastUpdate sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN job_state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN job_state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN job_state = ? THEN 1 ELSE 0 END), 0),
			MAX(snapshot_time)
		 FROM job_snapshots
		 WHERE cluster_name = ?`,
		StateRunning, StateFailed, StateFinished, clusterName,
	).Scan(&summary.TotalJobs, &summary.Running, &summary.Failed, &summary.Finished, &lastUpdate)
	if err != nil {
		return nil, fmt.Errorf("summarize cluster: %w", err)
	}
	if lastUpdate.Valid {
		t := msToTime(lastUpdate.Int64)
		summary.LastUpdate = &t
	}
	return summary, nil
}

// LastSnapshotTime returns the newest snapshot_time across all rows, or nil when empty.
func (s *Store) LastSnapshotTime(ctx context.Context) (*time.Time, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(snapshot_time) FROM job_snapshots`).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last snapshot time: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := msToTime(last.Int64)
	return &t, nil
}
