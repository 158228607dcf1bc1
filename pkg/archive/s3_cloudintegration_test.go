//go:build cloudintegration

package archive_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/flinkwatch/pkg/archive"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
	"github.com/3leaps/flinkwatch/test/cloudtest"
)

func newMotoArchiver(t *testing.T, ctx context.Context, target string) archive.Archiver {
	t.Helper()
	a, err := archive.New(ctx, archive.Config{
		Target:          target,
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestS3Archive_Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	a := newMotoArchiver(t, ctx, "s3://"+bucket+"/flink/snapshots")

	name := "orders-enrichment"
	cutoff := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	batch := archive.Batch{
		Cutoff: cutoff,
		Snapshots: []snapshotstore.Snapshot{
			{JobID: "a1", ClusterName: "east", JobName: &name, JobState: snapshotstore.StateFinished, SnapshotTime: cutoff.Add(-time.Hour)},
			{JobID: "b2", ClusterName: "west", JobState: snapshotstore.StateFailed, SnapshotTime: cutoff.Add(-2 * time.Hour)},
		},
	}

	loc, err := a.Archive(ctx, batch)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc, "s3://"+bucket+"/flink/snapshots/"), loc)

	keys := cloudtest.ListKeys(t, ctx, bucket, "flink/snapshots/")
	require.Len(t, keys, 1)
	assert.Equal(t, "s3://"+bucket+"/"+keys[0], loc)
	assert.True(t, strings.HasSuffix(keys[0], ".jsonl"))

	got, err := archive.Decode(bytes.NewReader(cloudtest.GetObject(t, ctx, bucket, keys[0])))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].JobID)
	assert.Equal(t, name, *got[0].JobName)
	assert.Equal(t, snapshotstore.StateFailed, got[1].JobState)
}

func TestS3Archive_MotoMissingBucket(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	a := newMotoArchiver(t, ctx, "s3://flinkwatch-no-such-bucket/snapshots")

	_, err := a.Archive(ctx, archive.Batch{Cutoff: time.Now()})
	require.Error(t, err)

	var archErr *archive.Error
	require.True(t, errors.As(err, &archErr))
	assert.Equal(t, "PutObject", archErr.Op)
	assert.ErrorIs(t, err, archive.ErrBucketNotFound)
}
