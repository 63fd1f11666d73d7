package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.ThrottleInterval.Duration())
	assert.Equal(t, 1000, cfg.Dispatch.DedupMaxIDs)
	assert.Equal(t, TransportLocal, cfg.Transport.Mode)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
orchestrator:
  max_iterations: 4
dispatch:
  throttle_interval: 500ms
  dedup_max_ids: 16
transport:
  mode: http
  auth_token: shared-secret
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.ThrottleInterval.Duration())
	assert.Equal(t, 16, cfg.Dispatch.DedupMaxIDs)
	assert.Equal(t, TransportHTTP, cfg.Transport.Mode)
	assert.Equal(t, "shared-secret", cfg.Transport.AuthToken.Value())
	// Untouched sections keep defaults.
	assert.Equal(t, time.Hour, cfg.Dispatch.DedupMaxAge.Duration())
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[orchestrator]
max_iterations = 7

[engine]
model = "opus"

[secrets]
gitleaks = true
allow_list = ["EXAMPLE$"]
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, "opus", cfg.Engine.Model)
	assert.True(t, cfg.Secrets.Enabled)
	assert.True(t, cfg.Secrets.Gitleaks)
	assert.Equal(t, []string{"EXAMPLE$"}, cfg.Secrets.AllowList)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "config.yaml", "orchestrator:\n  max_iterations: 4\n", 0600)
	t.Setenv("TASKBRIDGE_ORCHESTRATOR_MAX_ITERATIONS", "9")
	t.Setenv("TASKBRIDGE_TELEGRAM_TOKEN", "bot-token")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, "bot-token", cfg.Telegram.Token.Value())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Orchestrator.MaxIterations)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "orchestrator: [unterminated", 0600)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "config.yaml", "orchestrator:\n  max_iterations: 4\n", 0644)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_HTTPModeRequiresToken(t *testing.T) {
	t.Setenv("TASKBRIDGE_TRANSPORT_MODE", "http")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth_token is required")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "dispatch.throttle_interval", envKey("TASKBRIDGE_DISPATCH_THROTTLE_INTERVAL"))
	assert.Equal(t, "telegram.token", envKey("TASKBRIDGE_TELEGRAM_TOKEN"))
	assert.Equal(t, "debug", envKey("TASKBRIDGE_DEBUG"))
}
