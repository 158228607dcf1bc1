package snapshotstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Terminal and well-known job states. State is an open string; these are the
// values the query helpers key off.
const (
	StateRunning  = "RUNNING"
	StateFinished = "FINISHED"
	StateFailed   = "FAILED"
	StateCanceled = "CANCELED"
	StateUnknown  = "UNKNOWN"
)

// Snapshot is the persisted point-in-time copy of one job on one cluster.
type Snapshot struct {
	JobID          string          `json:"job_id"`
	ClusterName    string          `json:"cluster_name"`
	JobName        *string         `json:"job_name"`
	JobState       string          `json:"job_state"`
	JobType        *string         `json:"job_type"`
	IsStoppable    bool            `json:"is_stoppable"`
	MaxParallelism *int32          `json:"max_parallelism"`
	JobStartTime   *int64          `json:"job_start_time"`
	JobEndTime     *int64          `json:"job_end_time"`
	JobDuration    *int64          `json:"job_duration"`
	JobDetails     json.RawMessage `json:"job_details,omitempty"`
	SnapshotTime   time.Time       `json:"snapshot_time"`
}

func (s Snapshot) IsRunning() bool {
	return s.JobState == StateRunning
}

func (s Snapshot) IsFinished() bool {
	switch s.JobState {
	case StateFinished, StateCanceled, StateFailed:
		return true
	}
	return false
}

func (s Snapshot) IsFailed() bool {
	return s.JobState == StateFailed
}

// DurationSeconds converts JobDuration to seconds, nil when unknown.
func (s Snapshot) DurationSeconds() *float64 {
	if s.JobDuration == nil {
		return nil
	}
	secs := float64(*s.JobDuration) / 1000.0
	return &secs
}

// Upsert inserts or overwrites the snapshot for (JobID, ClusterName).
//
// Every column is written from the record; snapshot_time is set to the store
// clock and never moves backwards for an existing row. The persisted row is
// returned.
func (s *Store) Upsert(ctx context.Context, snap Snapshot) (*Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(snap.JobID) == "" {
		return nil, fmt.Errorf("upsert snapshot: job_id is required: %w", ErrValidation)
	}
	if strings.TrimSpace(snap.ClusterName) == "" {
		return nil, fmt.Errorf("upsert snapshot: cluster_name is required: %w", ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.dialect.upsertSnapshot,
		snap.JobID,
		snap.ClusterName,
		nullString(snap.JobName),
		snap.JobState,
		nullString(snap.JobType),
		boolToInt(snap.IsStoppable),
		nullInt32(snap.MaxParallelism),
		nullInt64(snap.JobStartTime),
		nullInt64(snap.JobEndTime),
		nullInt64(snap.JobDuration),
		nullDetails(snap.JobDetails),
		s.nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert snapshot: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM job_snapshots WHERE job_id = ? AND cluster_name = ?`,
		snap.JobID, snap.ClusterName)
	stored, err := scanSnapshot(row)
	if err != nil {
		return nil, fmt.Errorf("read upserted snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return stored, nil
}

// Get returns the snapshot for (jobID, clusterName), or nil if none exists.
func (s *Store) Get(ctx context.Context, jobID, clusterName string) (*Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM job_snapshots WHERE job_id = ? AND cluster_name = ?`,
		jobID, clusterName)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// Delete removes a single snapshot. It reports whether a row was deleted.
func (s *Store) Delete(ctx context.Context, jobID, clusterName string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM job_snapshots WHERE job_id = ? AND cluster_name = ?`,
		jobID, clusterName)
	if err != nil {
		return false, fmt.Errorf("delete snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete snapshot rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap           Snapshot
		jobName        sql.NullString
		jobType        sql.NullString
		isStoppable    int64
		maxParallelism sql.NullInt64
		startTime      sql.NullInt64
		endTime        sql.NullInt64
		duration       sql.NullInt64
		details        sql.NullString
		snapshotTime   int64
	)

	if err := row.Scan(
		&snap.JobID,
		&snap.ClusterName,
		&jobName,
		&snap.JobState,
		&jobType,
		&isStoppable,
		&maxParallelism,
		&startTime,
		&endTime,
		&duration,
		&details,
		&snapshotTime,
	); err != nil {
		return nil, err
	}

	if jobName.Valid {
		snap.JobName = &jobName.String
	}
	if jobType.Valid {
		snap.JobType = &jobType.String
	}
	snap.IsStoppable = isStoppable != 0
	if maxParallelism.Valid {
		v := int32(maxParallelism.Int64)
		snap.MaxParallelism = &v
	}
	if startTime.Valid {
		snap.JobStartTime = &startTime.Int64
	}
	if endTime.Valid {
		snap.JobEndTime = &endTime.Int64
	}
	if duration.Valid {
		snap.JobDuration = &duration.Int64
	}
	if details.Valid && details.String != "" {
		snap.JobDetails = json.RawMessage(details.String)
	}
	snap.SnapshotTime = msToTime(snapshotTime)

	return &snap, nil
}

func querySnapshots(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]Snapshot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt32(v *int32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullDetails(v json.RawMessage) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
