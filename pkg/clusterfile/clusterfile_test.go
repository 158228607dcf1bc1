package clusterfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

func TestLoadFromBytesFormats(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{
			name: "yaml",
			path: "clusters.yaml",
			data: `clusters:
  - name: east
    url: http://flink-east:8081/
    description: East region
  - name: west
    url: https://flink-west:8081
    active: false
`,
		},
		{
			name: "toml",
			path: "clusters.toml",
			data: `[[clusters]]
name = "east"
url = "http://flink-east:8081/"
description = "East region"

[[clusters]]
name = "west"
url = "https://flink-west:8081"
active = false
`,
		},
		{
			name: "json",
			path: "clusters.json",
			data: `{"clusters":[
  {"name":"east","url":"http://flink-east:8081/","description":"East region"},
  {"name":"west","url":"https://flink-west:8081","active":false}
]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := LoadFromBytes([]byte(tt.data), tt.path)
			require.NoError(t, err)
			require.Len(t, f.Clusters, 2)

			east := f.Clusters[0].Cluster()
			assert.Equal(t, "east", east.Name)
			assert.Equal(t, "http://flink-east:8081", east.URL)
			assert.Equal(t, "East region", east.Description)
			assert.True(t, east.IsActive)

			west := f.Clusters[1].Cluster()
			assert.Equal(t, "west", west.Name)
			assert.False(t, west.IsActive)
		})
	}
}

func TestLoadFromBytesRejects(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		data    string
		wantErr string
	}{
		{name: "empty", path: "c.yaml", data: "  \n", wantErr: "empty"},
		{name: "no clusters", path: "c.yaml", data: "clusters: []\n", wantErr: "no clusters"},
		{name: "unknown field", path: "c.yaml", data: "clusters:\n  - name: a\n    url: http://a\n    colour: red\n", wantErr: "colour"},
		{name: "missing url", path: "c.json", data: `{"clusters":[{"name":"a"}]}`, wantErr: "url is required"},
		{name: "bad scheme", path: "c.toml", data: "[[clusters]]\nname = \"a\"\nurl = \"ftp://a\"\n", wantErr: "http(s)"},
		{name: "duplicate", path: "c.yaml", data: "clusters:\n  - name: a\n    url: http://a\n  - name: a\n    url: http://b\n", wantErr: "duplicate name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.data), tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationErrorsAggregate(t *testing.T) {
	f := &File{Clusters: []Entry{
		{Name: "", URL: "http://a"},
		{Name: "b", URL: "not a url"},
	}}
	err := f.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFile)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
	assert.True(t, strings.HasPrefix(err.Error(), "cluster file has 2 errors"))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusters.yml")
	require.NoError(t, os.WriteFile(path, []byte("clusters:\n  - name: a\n    url: http://a:8081\n"), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Clusters, 1)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	f, err = LoadFromReader(strings.NewReader(`{"clusters":[{"name":"r","url":"http://r"}]}`), "stdin.json")
	require.NoError(t, err)
	assert.Equal(t, "r", f.Clusters[0].Name)
}

func TestDefaults(t *testing.T) {
	f := Defaults()
	require.NoError(t, f.Validate())
	require.Len(t, f.Clusters, 2)
	assert.Equal(t, "flink-cluster-1", f.Clusters[0].Name)
	assert.Equal(t, "http://localhost:8081", f.Clusters[0].URL)
	assert.Equal(t, "http://localhost:8082", f.Clusters[1].URL)
}

func newStore(t *testing.T) *snapshotstore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := snapshotstore.Open(ctx, snapshotstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	res, err := Seed(ctx, store, Defaults(), SeedOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"flink-cluster-1", "flink-cluster-2"}, res.Created)
	assert.Empty(t, res.Updated)

	// Re-seeding is a no-op.
	res, err = Seed(ctx, store, Defaults(), SeedOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"flink-cluster-1", "flink-cluster-2"}, res.Unchanged)

	inactive := false
	changed := &File{Clusters: []Entry{
		{Name: "flink-cluster-1", URL: "http://flink-1:8081", Active: &inactive},
		{Name: "flink-cluster-3", URL: "http://flink-3:8081"},
	}}

	// Without Update existing clusters are left alone.
	res, err = Seed(ctx, store, changed, SeedOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"flink-cluster-3"}, res.Created)
	assert.Equal(t, []string{"flink-cluster-1"}, res.Unchanged)

	res, err = Seed(ctx, store, changed, SeedOptions{Update: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"flink-cluster-1"}, res.Updated)
	assert.Equal(t, []string{"flink-cluster-3"}, res.Unchanged)

	c, err := store.GetClusterByName(ctx, "flink-cluster-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "http://flink-1:8081", c.URL)
	assert.False(t, c.IsActive)

	active, err := store.ListActiveClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}
