package snapshotstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultLongRunningHours is the duration threshold used when none is given.
const DefaultLongRunningHours = 24

// SearchParams specifies a job_name search.
type SearchParams struct {
	// Pattern is a case-insensitive substring matched against job_name.
	// Required unless Glob is set.
	Pattern string

	// Glob is a doublestar pattern matched against the lowercased job_name.
	// Applied after Pattern (if both specified).
	// Optional.
	Glob string

	// ClusterName limits the search to one cluster.
	// Optional.
	ClusterName string

	// Limit caps the number of results returned.
	// Optional. Zero means no limit.
	Limit int
}

// filter accumulates WHERE conditions in a fixed order.
type filter struct {
	conds []string
	args  []any
}

func (f *filter) add(cond string, args ...any) {
	f.conds = append(f.conds, cond)
	f.args = append(f.args, args...)
}

func (f *filter) cluster(name string) {
	if name != "" {
		f.add("cluster_name = ?", name)
	}
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

const selectSnapshots = `SELECT ` + snapshotColumns + ` FROM job_snapshots`

// Newest first; job_id and cluster_name break ties for deterministic output.
const orderRecent = ` ORDER BY snapshot_time DESC, job_id, cluster_name`

// List returns all snapshots, optionally limited to one cluster.
func (s *Store) List(ctx context.Context, clusterName string) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var f filter
	f.cluster(clusterName)
	out, err := querySnapshots(ctx, s.db, selectSnapshots+f.where()+orderRecent, f.args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

// ListByState returns snapshots in the given state, optionally limited to one cluster.
func (s *Store) ListByState(ctx context.Context, state, clusterName string) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var f filter
	f.add("job_state = ?", state)
	f.cluster(clusterName)
	out, err := querySnapshots(ctx, s.db, selectSnapshots+f.where()+orderRecent, f.args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots by state: %w", err)
	}
	return out, nil
}

func (s *Store) ListRunning(ctx context.Context, clusterName string) ([]Snapshot, error) {
	return s.ListByState(ctx, StateRunning, clusterName)
}

func (s *Store) ListFailed(ctx context.Context, clusterName string) ([]Snapshot, error) {
	return s.ListByState(ctx, StateFailed, clusterName)
}

// ListFinished returns snapshots in any terminal state (FINISHED, CANCELED, FAILED).
func (s *Store) ListFinished(ctx context.Context, clusterName string) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var f filter
	f.add("job_state IN (?, ?, ?)", StateFinished, StateCanceled, StateFailed)
	f.cluster(clusterName)
	out, err := querySnapshots(ctx, s.db, selectSnapshots+f.where()+orderRecent, f.args...)
	if err != nil {
		return nil, fmt.Errorf("list finished snapshots: %w", err)
	}
	return out, nil
}

// ListRecent returns snapshots written within the last hours.
func (s *Store) ListRecent(ctx context.Context, hours int, clusterName string) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if hours < 0 {
		return nil, fmt.Errorf("list recent snapshots: hours must be >= 0: %w", ErrValidation)
	}

	cutoff := s.now().UTC().Add(-time.Duration(hours) * time.Hour).UnixMilli()

	var f filter
	f.add("snapshot_time >= ?", cutoff)
	f.cluster(clusterName)
	out, err := querySnapshots(ctx, s.db, selectSnapshots+f.where()+orderRecent, f.args...)
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	return out, nil
}

// ListLongRunning returns RUNNING snapshots whose duration exceeds hours,
// longest first.
func (s *Store) ListLongRunning(ctx context.Context, hours int, clusterName string) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if hours < 0 {
		return nil, fmt.Errorf("list long-running snapshots: hours must be >= 0: %w", ErrValidation)
	}

	thresholdMillis := int64(hours) * int64(time.Hour/time.Millisecond)

	var f filter
	f.add("job_state = ?", StateRunning)
	f.add("job_duration > ?", thresholdMillis)
	f.cluster(clusterName)
	out, err := querySnapshots(ctx, s.db,
		selectSnapshots+f.where()+` ORDER BY job_duration DESC, job_id, cluster_name`, f.args...)
	if err != nil {
		return nil, fmt.Errorf("list long-running snapshots: %w", err)
	}
	return out, nil
}

// Search finds snapshots whose job_name matches params.
//
// The cluster filter runs in SQL. The substring match and the optional
// doublestar glob are applied in Go with Unicode case folding, since SQLite's
// LOWER only folds ASCII. Limit is applied last.
func (s *Store) Search(ctx context.Context, params SearchParams) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(params.Pattern) == "" && strings.TrimSpace(params.Glob) == "" {
		return nil, fmt.Errorf("search snapshots: pattern or glob is required: %w", ErrValidation)
	}

	glob := strings.ToLower(strings.TrimSpace(params.Glob))
	if glob != "" && !doublestar.ValidatePattern(glob) {
		return nil, fmt.Errorf("search snapshots: invalid glob %q: %w", params.Glob, ErrValidation)
	}

	pattern := strings.ToLower(strings.TrimSpace(params.Pattern))

	var f filter
	f.add("job_name IS NOT NULL")
	f.cluster(params.ClusterName)

	candidates, err := querySnapshots(ctx, s.db, selectSnapshots+f.where()+orderRecent, f.args...)
	if err != nil {
		return nil, fmt.Errorf("search snapshots: %w", err)
	}

	var out []Snapshot
	for _, snap := range candidates {
		name := strings.ToLower(*snap.JobName)
		if pattern != "" && !strings.Contains(name, pattern) {
			continue
		}
		if glob != "" {
			matched, err := doublestar.Match(glob, name)
			if err != nil {
				return nil, fmt.Errorf("match glob: %w", err)
			}
			if !matched {
				continue
			}
		}
		out = append(out, snap)
		if params.Limit > 0 && len(out) >= params.Limit {
			break
		}
	}
	return out, nil
}
