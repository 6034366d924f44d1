package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1883, cfg.Network.TCPPort)
	require.Equal(t, 8883, cfg.Network.TCPSPort)
	require.Equal(t, 8093, cfg.Network.WebSocketPort)
	require.Equal(t, 8094, cfg.Network.WebSocketSPort)
	require.Equal(t, 9083, cfg.Network.QUICPort)
	require.Equal(t, 9981, cfg.Network.GRPCPort)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
log_level = "debug"

[cluster]
cluster_name = "robustmq-test"
node_id = 7

[network]
tcp_port = 11883
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "robustmq-test", cfg.Cluster.ClusterName)
	require.Equal(t, uint64(7), cfg.Cluster.NodeID)
	require.Equal(t, 11883, cfg.Network.TCPPort)
	// Untouched defaults survive the partial file.
	require.Equal(t, 8883, cfg.Network.TCPSPort)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MQTT_SERVER_NETWORK_TCP_PORT", "21883")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 21883, cfg.Network.TCPPort)
}
