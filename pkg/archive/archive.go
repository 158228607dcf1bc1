// Package archive writes expired job snapshots to durable storage before
// retention removes them from the database.
//
// Batches are encoded as JSON Lines, one snapshot per line, and written as a
// single object per batch. Two targets are supported:
//
//	s3://bucket/prefix      AWS S3 or an S3-compatible store
//	file:///var/lib/archive a local directory (a bare path works too)
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

// Sentinel errors for archive operations.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("archive target unavailable")
	ErrInvalidTarget      = errors.New("invalid archive target")
)

// Error wraps a target-specific failure.
type Error struct {
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Batch is one retention sweep's worth of expired snapshots.
type Batch struct {
	Cutoff    time.Time
	Snapshots []snapshotstore.Snapshot
}

// Archiver persists batches. Archive returns the location written.
type Archiver interface {
	Archive(ctx context.Context, b Batch) (string, error)
	Close() error
}

// Config selects and configures the archive target.
type Config struct {
	// Target is s3://bucket/prefix, file:///dir or a plain directory path.
	Target string

	// S3 settings; ignored for file targets.
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// New returns the archiver for cfg.Target.
func New(ctx context.Context, cfg Config) (Archiver, error) {
	target := strings.TrimSpace(cfg.Target)
	if target == "" {
		return nil, fmt.Errorf("archive target is required: %w", ErrInvalidTarget)
	}

	if !strings.Contains(target, "://") {
		return NewFile(target)
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse archive target %q: %w", target, ErrInvalidTarget)
	}

	switch u.Scheme {
	case "s3":
		return NewS3(ctx, S3Config{
			Bucket:          u.Host,
			Prefix:          strings.Trim(u.Path, "/"),
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			Profile:         cfg.Profile,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			ForcePathStyle:  cfg.ForcePathStyle,
		})
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + u.Path
		}
		return NewFile(dir)
	default:
		return nil, fmt.Errorf("unsupported archive scheme %q: %w", u.Scheme, ErrInvalidTarget)
	}
}

// Encode writes snapshots as JSON Lines.
func Encode(w io.Writer, snaps []snapshotstore.Snapshot) error {
	enc := json.NewEncoder(w)
	for i := range snaps {
		if err := enc.Encode(&snaps[i]); err != nil {
			return fmt.Errorf("encode snapshot %s/%s: %w", snaps[i].ClusterName, snaps[i].JobID, err)
		}
	}
	return nil
}

// Decode reads JSON Lines written by Encode.
func Decode(r io.Reader) ([]snapshotstore.Snapshot, error) {
	dec := json.NewDecoder(r)
	var out []snapshotstore.Snapshot
	for {
		var s snapshotstore.Snapshot
		err := dec.Decode(&s)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode snapshot line %d: %w", len(out)+1, err)
		}
		out = append(out, s)
	}
}

// ObjectKey names a batch object: <prefix>/YYYY/MM/DD/snapshots-<cutoff-ms>-<id>.jsonl,
// partitioned by the date the batch was written.
func ObjectKey(prefix string, written, cutoff time.Time) string {
	written = written.UTC()
	name := fmt.Sprintf("snapshots-%d-%s.jsonl", cutoff.UnixMilli(), uuid.NewString()[:8])
	return path.Join(prefix, written.Format("2006"), written.Format("01"), written.Format("02"), name)
}
