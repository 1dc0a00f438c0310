package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clusterd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "clusterd", cfg.ClusterName)
	assert.Equal(t, "memory", cfg.GossipBackend)
	assert.Equal(t, 30*time.Second, cfg.SlowTaskThreshold)
	assert.False(t, cfg.JournalEnabled())
	assert.False(t, cfg.CoordinationEnabled())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
cluster_name: prod
gossip_backend: etcd
etcd_endpoints: [etcd-0:2379]
heartbeat_interval: 2s
db_host: pg
node_address: 10.0.0.1:9300
`)
	t.Setenv("CLUSTER_NAME", "override")
	t.Setenv("ETCD_ENDPOINTS", "a:2379, b:2379")
	t.Setenv("SLOW_TASK_THRESHOLD", "5s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "override", cfg.ClusterName)
	assert.Equal(t, "etcd", cfg.GossipBackend)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.SlowTaskThreshold)
	assert.True(t, cfg.JournalEnabled())
	assert.Equal(t, "10.0.0.1:9300", cfg.NodeAddress)
}

func TestLoadConfig_PathFromEnv(t *testing.T) {
	t.Setenv(ConfigPathEnv, writeFile(t, "api_port: \"9090\"\n"))
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.APIPort)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "cluster_name: [unterminated"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "gossip_backend: carrier-pigeon\n"))
	assert.ErrorContains(t, err, "unknown gossip_backend")

	_, err = LoadConfig(writeFile(t, "gossip_backend: etcd\n"))
	assert.ErrorContains(t, err, "requires etcd_endpoints")
}

func TestLoadConfig_SharedBackendNeedsAddress(t *testing.T) {
	t.Setenv("NODE_ADDRESS", "")

	_, err := LoadConfig(writeFile(t, "gossip_backend: redis\n"))
	assert.ErrorContains(t, err, "node_address is required for gossip_backend redis")

	cfg, err := LoadConfig(writeFile(t, "gossip_backend: memory\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.NodeAddress)

	t.Setenv("NODE_ADDRESS", "10.0.0.2:9300")
	cfg, err = LoadConfig(writeFile(t, "gossip_backend: redis\n"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9300", cfg.NodeAddress)
}

func TestGetEnvHelpers_IgnoreMalformed(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_DUR", "soon")
	assert.Equal(t, 7, getEnvAsInt("X_INT", 7))
	assert.Equal(t, time.Minute, getEnvAsDuration("X_DUR", time.Minute))
}
