package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9090
database:
  host: db
  name: tasks
cluster:
  transport: ssh
  output_dir: /data/out
  remove_task_files_on_delete: false
  poll_interval: 2s
  ssh:
    host: head.cluster
    user: drm
amqp:
  enabled: true
  host: rabbit
  user: u
  password: p
maintenance:
  purge_after: 48h
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadReadsFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Address())
	assert.Equal(t, "ssh", cfg.Cluster.Transport)
	assert.Equal(t, "slurm", cfg.Cluster.DRMSystem)
	assert.False(t, cfg.Cluster.RemoveTaskFilesOnDelete)
	assert.Equal(t, 2*time.Second, cfg.Cluster.PollInterval)
	assert.Equal(t, 22, cfg.Cluster.SSH.Port)
	assert.Equal(t, 48*time.Hour, cfg.Maintenance.PurgeAfter)
	assert.Equal(t, 90*24*time.Hour, cfg.Maintenance.TimelineRetention)
	assert.Equal(t, "0 0 4 * * *", cfg.Maintenance.TimelinePrune)
	assert.Equal(t, "amqp://u:p@rabbit:5672/", cfg.AMQP.URL())
	assert.Contains(t, cfg.Database.DSN(), "host=db port=5432")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DRMAATIC_AUTH_ADMIN_API_KEY", "secret")
	t.Setenv("DRMAATIC_CLUSTER_OUTPUT_DIR", "/env/out")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Auth.AdminAPIKey)
	assert.Equal(t, "/env/out", cfg.Cluster.OutputDir)
}

func TestLoadUsesPathFromEnvironment(t *testing.T) {
	t.Setenv(EnvConfigPath, writeConfig(t, sampleConfig))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tasks", cfg.Database.Name)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	_, err := Load(writeConfig(t, "cluster:\n  transport: carrier-pigeon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cluster transport")
}

func TestLoadRequiresSSHHost(t *testing.T) {
	_, err := Load(writeConfig(t, "cluster:\n  transport: ssh\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
