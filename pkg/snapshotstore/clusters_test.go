package snapshotstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListClustersEmptyIsNotNil(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	all, err := store.ListClusters(ctx)
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)

	active, err := store.ListActiveClusters(ctx)
	require.NoError(t, err)
	assert.NotNil(t, active)
}

func TestClusterRegistry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	store := newTestStore(t, WithClock(clock.Now))

	first, err := store.CreateCluster(ctx, Cluster{
		Name:        "flink-cluster-1",
		URL:         "http://localhost:8081/",
		Description: "Primary Flink cluster",
		IsActive:    true,
	})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.NotZero(t, first.ID)
	assert.Equal(t, "http://localhost:8081", first.URL)
	assert.True(t, first.IsActive)
	assert.True(t, clock.Now().Equal(first.CreatedAt))
	assert.Nil(t, first.UpdatedAt)

	second, err := store.CreateCluster(ctx, Cluster{
		Name:     "flink-cluster-2",
		URL:      "http://localhost:8082",
		IsActive: false,
	})
	require.NoError(t, err)

	t.Run("duplicate name", func(t *testing.T) {
		_, err := store.CreateCluster(ctx, Cluster{Name: "flink-cluster-1", URL: "http://other:8081", IsActive: true})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDuplicate))
	})

	t.Run("validation", func(t *testing.T) {
		_, err := store.CreateCluster(ctx, Cluster{Name: "", URL: "http://x:1"})
		assert.True(t, errors.Is(err, ErrValidation))
		_, err = store.CreateCluster(ctx, Cluster{Name: "bad-url", URL: "localhost:8081"})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("list and lookup", func(t *testing.T) {
		all, err := store.ListClusters(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "flink-cluster-1", all[0].Name)

		active, err := store.ListActiveClusters(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, first.ID, active[0].ID)

		byName, err := store.GetClusterByName(ctx, "flink-cluster-2")
		require.NoError(t, err)
		require.NotNil(t, byName)
		assert.Equal(t, second.ID, byName.ID)

		missing, err := store.GetCluster(ctx, 9999)
		require.NoError(t, err)
		assert.Nil(t, missing)

		n, err := store.CountActiveClusters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("update merges only provided fields", func(t *testing.T) {
		clock.Advance(time.Hour)
		desc := "standby"
		updated, err := store.UpdateCluster(ctx, second.ID, ClusterUpdate{Description: &desc})
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, "flink-cluster-2", updated.Name)
		assert.Equal(t, "http://localhost:8082", updated.URL)
		assert.Equal(t, "standby", updated.Description)
		assert.False(t, updated.IsActive)
		require.NotNil(t, updated.UpdatedAt)
		assert.True(t, clock.Now().Equal(*updated.UpdatedAt))
	})

	t.Run("update rename conflict", func(t *testing.T) {
		name := "flink-cluster-1"
		_, err := store.UpdateCluster(ctx, second.ID, ClusterUpdate{Name: &name})
		assert.True(t, errors.Is(err, ErrDuplicate))
	})

	t.Run("update missing cluster", func(t *testing.T) {
		desc := "x"
		updated, err := store.UpdateCluster(ctx, 9999, ClusterUpdate{Description: &desc})
		require.NoError(t, err)
		assert.Nil(t, updated)
	})

	t.Run("activate and deactivate", func(t *testing.T) {
		activated, err := store.SetClusterActive(ctx, second.ID, true)
		require.NoError(t, err)
		assert.True(t, activated.IsActive)

		active, err := store.ListActiveClusters(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		_, err = store.SetClusterActive(ctx, first.ID, false)
		require.NoError(t, err)
		active, err = store.ListActiveClusters(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "flink-cluster-2", active[0].Name)
	})

	t.Run("delete", func(t *testing.T) {
		deleted, err := store.DeleteCluster(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.DeleteCluster(ctx, first.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}
