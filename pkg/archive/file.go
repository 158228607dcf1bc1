package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File archives batches into a local directory tree.
type File struct {
	dir string
	now func() time.Time
}

var _ Archiver = (*File)(nil)

// NewFile creates a file archiver rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required: %w", ErrInvalidTarget)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &Error{Op: "New", Target: abs, Err: err}
	}
	return &File{dir: abs, now: time.Now}, nil
}

// Archive writes the batch to a temp file and renames it into place so a
// partially written batch is never visible.
func (a *File) Archive(ctx context.Context, b Batch) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := ObjectKey("", a.now(), b.Cutoff)
	dest := filepath.Join(a.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", &Error{Op: "Mkdir", Target: dest, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".snapshots-*.tmp")
	if err != nil {
		return "", &Error{Op: "Create", Target: dest, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := Encode(tmp, b.Snapshots); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", &Error{Op: "Write", Target: dest, Err: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", &Error{Op: "Rename", Target: dest, Err: err}
	}
	return dest, nil
}

// Close satisfies Archiver.
func (a *File) Close() error {
	return nil
}
