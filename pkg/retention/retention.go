// Package retention removes expired job snapshots, optionally archiving them
// first.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/flinkwatch/pkg/archive"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

// Store is the subset of the snapshot store retention needs.
type Store interface {
	Cutoff(hoursToKeep int) time.Time
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]snapshotstore.Snapshot, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result describes one sweep.
type Result struct {
	Cutoff   time.Time `json:"cutoff"`
	Archived int       `json:"archived"`
	Deleted  int64     `json:"deleted"`
	Location string    `json:"location,omitempty"`
	DryRun   bool      `json:"dry_run,omitempty"`
}

// Sweeper applies the retention window.
type Sweeper struct {
	store    Store
	archiver archive.Archiver
	logger   *zap.Logger
}

// New returns a Sweeper. archiver may be nil to delete without archiving.
func New(store Store, archiver archive.Archiver, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, archiver: archiver, logger: logger}
}

// Sweep removes snapshots older than hoursToKeep. When an archiver is set the
// expired rows are written out first and nothing is deleted if that fails.
// A dry run only counts what would be removed.
func (s *Sweeper) Sweep(ctx context.Context, hoursToKeep int, dryRun bool) (*Result, error) {
	if hoursToKeep < 0 {
		return nil, fmt.Errorf("hours to keep must be non-negative, got %d: %w", hoursToKeep, snapshotstore.ErrValidation)
	}

	cutoff := s.store.Cutoff(hoursToKeep)
	res := &Result{Cutoff: cutoff, DryRun: dryRun}

	if s.archiver != nil || dryRun {
		expired, err := s.store.ListOlderThan(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("list expired snapshots: %w", err)
		}
		if dryRun {
			res.Deleted = int64(len(expired))
			return res, nil
		}
		if len(expired) > 0 {
			loc, err := s.archiver.Archive(ctx, archive.Batch{Cutoff: cutoff, Snapshots: expired})
			if err != nil {
				s.logger.Error("Failed to archive expired snapshots",
					zap.Int("count", len(expired)), zap.Error(err))
				return nil, fmt.Errorf("archive expired snapshots: %w", err)
			}
			res.Archived = len(expired)
			res.Location = loc
			s.logger.Info("Archived expired snapshots",
				zap.Int("count", len(expired)), zap.String("location", loc))
		}
	}

	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("delete expired snapshots: %w", err)
	}
	res.Deleted = deleted

	s.logger.Info("Cleaned up old job snapshots",
		zap.Int64("deleted", deleted),
		zap.Int("hours_to_keep", hoursToKeep),
		zap.Time("cutoff", cutoff),
	)
	return res, nil
}

// Close releases the archiver.
func (s *Sweeper) Close() error {
	if s.archiver == nil {
		return nil
	}
	return s.archiver.Close()
}
