package snapshotstore

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetentionHours is the cleanup window when none is configured (7 days).
const DefaultRetentionHours = 168

// Cutoff returns the instant before which snapshots fall outside hoursToKeep.
func (s *Store) Cutoff(hoursToKeep int) time.Time {
	return s.now().UTC().Add(-time.Duration(hoursToKeep) * time.Hour)
}

// Cleanup deletes snapshots whose snapshot_time is older than now-hoursToKeep
// and returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context, hoursToKeep int) (int64, error) {
	if hoursToKeep < 0 {
		return 0, fmt.Errorf("cleanup: hours_to_keep must be >= 0: %w", ErrValidation)
	}
	return s.DeleteOlderThan(ctx, s.Cutoff(hoursToKeep))
}

// ListOlderThan returns snapshots whose snapshot_time is before cutoff, oldest first.
func (s *Store) ListOlderThan(ctx context.Context, cutoff time.Time) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	out, err := querySnapshots(ctx, s.db,
		selectSnapshots+` WHERE snapshot_time < ? ORDER BY snapshot_time, job_id, cluster_name`,
		cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired snapshots: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes snapshots whose snapshot_time is before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM job_snapshots WHERE snapshot_time < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired snapshots rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return deleted, nil
}
