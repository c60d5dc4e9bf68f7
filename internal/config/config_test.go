package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_isValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.TombstoneRetention)
	assert.Equal(t, "memory", cfg.Remote.Kind)
}

func TestLoad_yamlOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storyforge.yaml")
	yml := `
data_dir: /tmp/sf
sync:
  interval: 30s
  batch_size: 10
remote:
  kind: s3
  bucket: novels
  endpoint: http://localhost:9000
  path_style: true
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sf", cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts, "unset keys keep defaults")
	assert.Equal(t, "s3", cfg.Remote.Kind)
	assert.True(t, cfg.Remote.ForcePathStyle)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STORYFORGE_DATA_DIR":          "/data",
		"STORYFORGE_SYNC_INTERVAL":     "2m",
		"STORYFORGE_SYNC_MAX_ATTEMPTS": "7",
		"STORYFORGE_REMOTE_PATH_STYLE": "true",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 7, cfg.Sync.MaxAttempts)
	assert.True(t, cfg.Remote.ForcePathStyle)
}

func TestApplyEnv_badValue(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "STORYFORGE_SYNC_BATCH_SIZE" {
			return "lots", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"s3 without bucket", func(c *Config) { c.Remote.Kind = "s3" }},
		{"unknown remote", func(c *Config) { c.Remote.Kind = "ftp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
