package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.True(t, cfg.Metrics.Enabled)

		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, "flinkwatch.db", cfg.Store.Path)

		assert.Equal(t, 60*time.Second, cfg.Collector.Interval)
		assert.Equal(t, 10*time.Second, cfg.Collector.RequestTimeout)
		assert.Equal(t, 10, cfg.Collector.MaxIdleConns)
		assert.Equal(t, 20, cfg.Collector.MaxConns)
		assert.Equal(t, 1, cfg.Collector.JobConcurrency)
		assert.Equal(t, 10*time.Second, cfg.Collector.ErrorBackoff)
		assert.Equal(t, 5*time.Minute, cfg.Collector.CycleTimeout)
		assert.True(t, cfg.Collector.Autostart)

		assert.Equal(t, 168, cfg.Retention.Hours)
		assert.False(t, cfg.Retention.Archive.Enabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("FLINKWATCH_PORT", "3000")
		t.Setenv("FLINKWATCH_LOG_LEVEL", "warn")
		t.Setenv("FLINKWATCH_METRICS_ENABLED", "false")
		t.Setenv("FLINKWATCH_COLLECTOR_JOB_CONCURRENCY", "4")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, 4, cfg.Collector.JobConcurrency)
	})

	t.Run("LongEnvNameStillWorksForAliasedKeys", func(t *testing.T) {
		t.Setenv("FLINKWATCH_SERVER_PORT", "3100")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3100, cfg.Server.Port)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("FLINKWATCH_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flinkwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
store:
  driver: mysql
  dsn: "flink:secret@tcp(db:3306)/flink?parseTime=true"
collector:
  interval: 2m
retention:
  hours: 72
  archive:
    target: s3://flink-archive/snapshots
    force_path_style: true
`), 0o600))

	SetConfigFile(path)
	defer SetConfigFile("")

	t.Setenv("FLINKWATCH_RETENTION_HOURS", "48")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Collector.Interval)
	assert.Equal(t, 48, cfg.Retention.Hours, "env wins over file")
	assert.True(t, cfg.Retention.Archive.Enabled, "a target implies archiving")
	assert.True(t, cfg.Retention.Archive.ForcePathStyle)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	defer SetConfigFile("")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{"bad level", map[string]any{"logging": map[string]any{"level": "loud"}}, "logging.level"},
		{"bad profile", map[string]any{"logging": map[string]any{"profile": "xml"}}, "logging.profile"},
		{"bad driver", map[string]any{"store": map[string]any{"driver": "postgres"}}, "store.driver"},
		{"mysql without dsn", map[string]any{"store": map[string]any{"driver": "mysql"}}, "store.dsn"},
		{"zero interval", map[string]any{"collector": map[string]any{"interval": "0s"}}, "collector.interval"},
		{"zero cycle timeout", map[string]any{"collector": map[string]any{"cycle_timeout": "0s"}}, "collector.cycle_timeout"},
		{"zero job concurrency", map[string]any{"collector": map[string]any{"job_concurrency": 0}}, "job_concurrency"},
		{"negative retention", map[string]any{"retention": map[string]any{"hours": -1}}, "retention.hours"},
		{"archive without target", map[string]any{"retention": map[string]any{"archive": map[string]any{"enabled": true}}}, "retention.archive.target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background(), map[string]any{"server": map[string]any{"port": 8181}})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Server.Port, current.Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]string)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "FLINKWATCH_")
		assert.NotEmpty(t, spec.Path)
		names[spec.Name] = spec.Path
	}

	assert.Equal(t, "logging.level", names["FLINKWATCH_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["FLINKWATCH_PORT"])
	assert.Equal(t, "store.dsn", names["FLINKWATCH_DATABASE_URL"])
	assert.Equal(t, "FLINKWATCH_SERVER_PORT", envName("server.port"))
}

func TestServerAddr(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8080", ServerConfig{Host: "0.0.0.0", Port: 8080}.Addr())
}
