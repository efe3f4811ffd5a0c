package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Downloads.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Downloads.PublishInterval())
	assert.Equal(t, 30*time.Minute, cfg.Downloads.PhaseTimeout())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.BackoffBase())
	assert.Equal(t, time.Minute, cfg.Retry.BackoffCap())
	assert.Equal(t, "mp4", cfg.Formats.PreferredExt)
	assert.False(t, cfg.Transcode.Enabled)
	assert.False(t, cfg.Transcode.Required)
	assert.Equal(t, "tubedrop.db", cfg.Store.Path)
}

// TestLoad verifies file values layer over defaults without clearing
// unrelated sections
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tubedrop.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9090

[downloads]
concurrency = 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Downloads.Concurrency)
	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "mp4", cfg.Formats.PreferredExt)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("DOWNLOAD_LOCATION", "/tmp/videos")
	t.Setenv("TUBEDROP_DB", "/tmp/tasks.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/videos", cfg.Downloads.Dir)
	assert.Equal(t, "/tmp/tasks.db", cfg.Store.Path)
}

func TestShouldTranscode(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		codecs  []string
		codec   string
		want    bool
	}{
		{"disabled", false, []string{"av1"}, "av1", false},
		{"listed codec", true, []string{"av1", "vp9"}, "av1", true},
		{"unlisted codec", true, []string{"av1"}, "h264", false},
		{"empty list matches all", true, nil, "h264", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := TranscodeConfig{Enabled: tt.enabled, Codecs: tt.codecs}
			assert.Equal(t, tt.want, c.ShouldTranscode(tt.codec))
		})
	}
}
