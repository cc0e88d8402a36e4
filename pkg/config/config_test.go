package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "A", cfg.Replica)
	assert.Len(t, cfg.Cluster, 3)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.ProbeInterval)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
replica: B
cluster:
  - name: A
    host: 10.0.0.1
    internal_port: 50051
    client_port: 50052
    health_port: 50053
    notif_port: 50054
  - name: B
    host: 10.0.0.2
    internal_port: 50051
    client_port: 50052
    health_port: 50053
    notif_port: 50054
storage:
  data_dir: /tmp/chatmesh-test
timeouts:
  probe_interval: 500ms
logging:
  level: debug
seed: [ream, mark]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "B", cfg.Replica)
	require.Len(t, cfg.Cluster, 2)
	assert.Equal(t, "10.0.0.2", cfg.Cluster[1].Host)
	assert.Equal(t, "/tmp/chatmesh-test", cfg.Storage.DataDir)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.ProbeInterval)
	// Unset timeouts still get defaults.
	assert.Equal(t, 3*time.Second, cfg.Timeouts.QueuePoll)
	// Level is normalized to uppercase.
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, []string{"ream", "mark"}, cfg.Seed)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster: [a: {"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("replica: A\nlogging:\n  level: INFO\n"), 0o644))

	t.Setenv("CHATMESH_LOGGING_LEVEL", "ERROR")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestSaveAndReload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Replica = "C"
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "C", loaded.Replica)
	assert.Equal(t, cfg.Cluster, loaded.Cluster)
}

func TestMustLoadMissingExplicitPath(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "not found")
}
