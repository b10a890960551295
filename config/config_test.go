package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8700", cfg.ListenAddr)
	assert.InDelta(t, 0.6, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.AgentTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.TickInterval.Std())
	assert.Equal(t, 5, cfg.MaxDeliveryAttempts)
	assert.Equal(t, 20, cfg.HistoryWindow)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concierge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
database_path: /tmp/test.db
confidence_threshold: 0.75
agent_timeout: 2s
tick_interval: 10s
max_delivery_attempts: 3
history_window: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "/tmp/test.db", cfg.DatabasePath)
	assert.InDelta(t, 0.75, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 2*time.Second, cfg.AgentTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.TickInterval.Std())
	assert.Equal(t, 3, cfg.MaxDeliveryAttempts)
	assert.Equal(t, 8, cfg.HistoryWindow)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concierge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("confidence_threshold: 0.75\n"), 0o600))

	t.Setenv("CONCIERGE_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("CONCIERGE_AGENT_TIMEOUT", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 250*time.Millisecond, cfg.AgentTimeout.Std())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CONCIERGE_CONFIDENCE_THRESHOLD", "1.5")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("CONCIERGE_TICK_INTERVAL", "soon")
	_, err := Load("")
	require.Error(t, err)
}
