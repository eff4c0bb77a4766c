package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, "fsync", cfg.EventStore.SyncPolicy)
	assert.Equal(t, 30*time.Second, cfg.Elicit.DefaultTimeout.Std())
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 20, cfg.RateLimit.ResponsesPerMinute)
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	assert.Equal(t, 3, cfg.Session.MaxPerAgent)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	body := `
server:
  host: 0.0.0.0
  port: 9000
event_store:
  dir: /var/tmp/lighthouse
  secret: yaml-secret
rate_limit:
  requests_per_minute: 42
elicitation:
  default_timeout: 45s
  verify_on_read: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/var/tmp/lighthouse", cfg.EventStore.Dir)
	assert.Equal(t, "yaml-secret", cfg.EventStore.Secret)
	assert.Equal(t, 42, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 45*time.Second, cfg.Elicit.DefaultTimeout.Std())
	assert.True(t, cfg.Elicit.VerifyOnRead)

	// Unset fields still pick up defaults.
	assert.Equal(t, 20, cfg.RateLimit.ResponsesPerMinute)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("LIGHTHOUSE_EVENT_STORE_DIR", "/env/events")
	t.Setenv("LIGHTHOUSE_EVENT_SECRET", "env-secret")
	t.Setenv("LIGHTHOUSE_DOS_PROTECTION", "maximum")
	t.Setenv("LIGHTHOUSE_API_HOST", "10.1.2.3")
	t.Setenv("LIGHTHOUSE_API_PORT", "7777")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/events", cfg.EventStore.Dir)
	assert.Equal(t, "env-secret", cfg.EventStore.Secret)
	assert.Equal(t, "maximum", cfg.RateLimit.Protection)
	assert.Equal(t, "10.1.2.3", cfg.Server.Host)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestDevSecretOnlyFillsEmpty(t *testing.T) {
	t.Setenv("LIGHTHOUSE_EVENT_SECRET", "real-secret")
	t.Setenv("LIGHTHOUSE_DEV_SECRET", "dev-secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "real-secret", cfg.EventStore.Secret)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
