package snapshotstore

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared by a test and its store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: ":memory:"}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	return store
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }
func i32Ptr(v int32) *int32   { return &v }

func TestBuildDSN(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		dsn, err := buildDSN(Config{Path: ":memory:"})
		require.NoError(t, err)
		assert.Equal(t, ":memory:", dsn)
	})

	t.Run("plain path becomes file dsn", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "snapshots.db")
		dsn, err := buildDSN(Config{Path: path})
		require.NoError(t, err)
		assert.Equal(t, "file:"+filepath.Clean(path), dsn)
		assert.DirExists(t, filepath.Dir(path))
	})

	t.Run("url with auth token", func(t *testing.T) {
		dsn, err := buildDSN(Config{URL: "libsql://example.turso.io", AuthToken: "secret"})
		require.NoError(t, err)
		assert.Equal(t, "libsql://example.turso.io?authToken=secret", dsn)
	})

	t.Run("existing auth token kept", func(t *testing.T) {
		dsn, err := buildDSN(Config{URL: "libsql://example.turso.io?authToken=a", AuthToken: "b"})
		require.NoError(t, err)
		assert.True(t, strings.Contains(dsn, "authToken=a"))
		assert.False(t, strings.Contains(dsn, "authToken=b"))
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := buildDSN(Config{})
		require.Error(t, err)
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres", Path: ":memory:"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestOpenMySQLRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverMySQL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql dsn is required")
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Migrate(ctx))

	v, err := store.CurrentSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

func TestFileBackedStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "flinkwatch.db")

	store, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))

	_, err = store.Upsert(ctx, Snapshot{JobID: "j1", ClusterName: "c1", JobState: StateRunning})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	snap, err := reopened.Get(ctx, "j1", "c1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, StateRunning, snap.JobState)
}

func TestFileBackedStoreOpenedTwice(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flinkwatch.db")

	first, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = first.Close() }()
	require.NoError(t, first.Migrate(ctx))

	_, err = first.Upsert(ctx, Snapshot{JobID: "j1", ClusterName: "c1", JobState: StateRunning})
	require.NoError(t, err)

	second, err := Open(ctx, Config{Path: path})
	require.NoError(t, err, "a second handle on the same file must not fail with database is locked")
	defer func() { _ = second.Close() }()

	snap, err := second.Get(ctx, "j1", "c1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, StateRunning, snap.JobState)
}
