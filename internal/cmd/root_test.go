package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	t.Cleanup(func() { SetVersionInfo(orig.Version, orig.Commit, orig.BuildDate) })

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "0d", want: 0},
		{in: "36h", want: 36 * time.Hour},
		{in: "90m", want: 90 * time.Minute},
		{in: "xd", wantErr: true},
		{in: "-1d", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDurationHours(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "48", want: 48},
		{in: "0", want: 0},
		{in: "36h", want: 36},
		{in: "90m", want: 2},
		{in: "2d", want: 48},
		{in: "-3", wantErr: true},
		{in: "-2h", wantErr: true},
		{in: "week", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := durationHours(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatMillis(t *testing.T) {
	ms := func(v int64) *int64 { return &v }

	assert.Equal(t, "-", formatMillis(nil))
	assert.Equal(t, "-", formatMillis(ms(-1)))
	assert.Equal(t, "0s", formatMillis(ms(0)))
	assert.Equal(t, "1m30s", formatMillis(ms(90_000)))
	assert.Equal(t, "2s", formatMillis(ms(1_600)))
	assert.Equal(t, "2h05m", formatMillis(ms((2*60+5)*60*1000)))
	assert.Equal(t, "49h00m", formatMillis(ms(49*3600*1000)))
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Now()

	assert.Equal(t, "just now", formatRelativeTime(now.Add(-10*time.Second)))
	assert.Equal(t, "5m ago", formatRelativeTime(now.Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", formatRelativeTime(now.Add(-3*time.Hour-time.Minute)))
	assert.Equal(t, "2d ago", formatRelativeTime(now.Add(-49*time.Hour)))

	old := now.Add(-30 * 24 * time.Hour)
	assert.Equal(t, old.Format("2006-01-02"), formatRelativeTime(old))
}

func TestOrDash(t *testing.T) {
	empty, name := "", "orders"
	assert.Equal(t, "-", orDash(nil))
	assert.Equal(t, "-", orDash(&empty))
	assert.Equal(t, "orders", orDash(&name))
}
