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

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1.0, cfg.Capture.ActiveFPS)
	assert.Equal(t, 0.2, cfg.Capture.IdleFPS)
	assert.Equal(t, 30*time.Second, cfg.Capture.IdleThreshold.Std())
	assert.Equal(t, 0.95, cfg.Capture.SimilarityThreshold)
	assert.Equal(t, "vision", cfg.Extract.Engine)
	assert.Equal(t, 3, cfg.Extract.MaxRetries)
	assert.Equal(t, 50, cfg.Extract.RateLimitRPM)
	assert.Equal(t, 256, cfg.Extract.QueueSize)
	assert.Equal(t, 90, cfg.Retention.Days)
	assert.Equal(t, "sqlite", cfg.Storage.VectorBackend)
	assert.False(t, cfg.Reranker.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Capture.ActiveFPS, cfg.Capture.ActiveFPS)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capture:
  active_fps: 2.0
  idle_threshold: 45s
extract:
  engine: local
  local_command: ocr-to-json
  timeout: 10s
retention:
  days: 30
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Capture.ActiveFPS)
	assert.Equal(t, 45*time.Second, cfg.Capture.IdleThreshold.Std())
	assert.Equal(t, "local", cfg.Extract.Engine)
	assert.Equal(t, "ocr-to-json", cfg.Extract.LocalCommand)
	assert.Equal(t, 10*time.Second, cfg.Extract.Timeout.Std())
	assert.Equal(t, 30, cfg.Retention.Days)

	// Untouched keys keep their defaults.
	assert.Equal(t, 0.2, cfg.Capture.IdleFPS)
	assert.Equal(t, 3, cfg.Extract.MaxRetries)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  idle_threshold: soon\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HINDSIGHT_DATA_PATH", "/srv/hindsight")
	t.Setenv("HINDSIGHT_EXTRACT_BASE_URL", "http://127.0.0.1:8080/v1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/hindsight", cfg.Storage.DataPath)
	assert.Equal(t, "http://127.0.0.1:8080/v1", cfg.Extract.BaseURL)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero active fps", func(c *Config) { c.Capture.ActiveFPS = 0 }},
		{"idle above active", func(c *Config) { c.Capture.IdleFPS = 5 }},
		{"similarity out of range", func(c *Config) { c.Capture.SimilarityThreshold = 1.5 }},
		{"unknown engine", func(c *Config) { c.Extract.Engine = "tesseract" }},
		{"local engine without command", func(c *Config) { c.Extract.Engine = "local" }},
		{"zero retries", func(c *Config) { c.Extract.MaxRetries = 0 }},
		{"high water above queue", func(c *Config) { c.Extract.HighWater = 10000 }},
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "cohere" }},
		{"postgres without dsn", func(c *Config) { c.Storage.VectorBackend = "postgres" }},
		{"unknown backend", func(c *Config) { c.Storage.VectorBackend = "redis" }},
		{"zero retention", func(c *Config) { c.Retention.Days = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAPIKeyResolution(t *testing.T) {
	t.Setenv("TEST_HINDSIGHT_KEY", "sk-test")

	e := ExtractConfig{APIKeyEnv: "TEST_HINDSIGHT_KEY"}
	assert.Equal(t, "sk-test", e.APIKey())

	e.APIKeyEnv = ""
	assert.Empty(t, e.APIKey())
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  active_fps: 1.0\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Current().Capture.ActiveFPS)

	changed := make(chan *Config, 1)
	m.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx)
	}()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  active_fps: 2.0\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 2.0, cfg.Capture.ActiveFPS)
		assert.Equal(t, 2.0, m.Current().Capture.ActiveFPS)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	cancel()
	<-done
}

func TestManagerReloadKeepsEnvOverrides(t *testing.T) {
	t.Setenv("HINDSIGHT_DATA_PATH", "/srv/hindsight")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  active_fps: 1.0\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/hindsight", m.Current().Storage.DataPath)

	require.NoError(t, os.WriteFile(path, []byte("capture:\n  active_fps: 2.0\n"), 0o644))
	m.reload()

	assert.Equal(t, 2.0, m.Current().Capture.ActiveFPS)
	assert.Equal(t, "/srv/hindsight", m.Current().Storage.DataPath)
}

func TestManagerKeepsOldConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  active_fps: 1.0\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("capture:\n  active_fps: 0\n"), 0o644))
	m.reload()

	assert.Equal(t, 1.0, m.Current().Capture.ActiveFPS)
}
