package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesFlagsOverDefaults(t *testing.T) {
	cfg, err := Parse([]string{
		"--mode", "gateway",
		"--gateway-node-id", "!a1b2c3d4",
		"--api-base-url", "http://localhost:8000",
		"--timeout", "10s",
	})
	require.NoError(t, err)
	require.Equal(t, ModeGateway, cfg.Mode)
	require.Equal(t, 10*time.Second, cfg.Timeout)
	require.Equal(t, DefaultSpoolPath, cfg.SpoolPath)
}

func TestParseRejectsMissingRequiredFlags(t *testing.T) {
	_, err := Parse([]string{"--mode", "client"})
	require.Error(t, err)
}

func TestParseLoadsConfigFileAsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.toml")
	contents := `
mode = "client"
gateway_node_id = "!deadbeef"
api_base_url = "http://localhost:9000"
metrics_port = 9800
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Parse([]string{"--config", path})
	require.NoError(t, err)
	require.Equal(t, ModeClient, cfg.Mode)
	require.Equal(t, "!deadbeef", cfg.GatewayNodeID)
	require.Equal(t, 9800, cfg.MetricsPort)
}

func TestParseFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.toml")
	contents := `
mode = "client"
gateway_node_id = "!deadbeef"
api_base_url = "http://localhost:9000"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Parse([]string{"--config", path, "--mode", "gateway"})
	require.NoError(t, err)
	require.Equal(t, ModeGateway, cfg.Mode)
}

func TestEnvOverridesWinOverFlagsAndFile(t *testing.T) {
	t.Setenv("ATLAS_RELIABILITY_METHOD", "stage")
	t.Setenv("MESHTASTIC_METRICS_PORT", "9999")

	path := filepath.Join(t.TempDir(), "bridge.toml")
	contents := `
reliability_method = "simple"
metrics_port = 9800
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Parse([]string{
		"--config", path,
		"--mode", "gateway",
		"--gateway-node-id", "!a1b2c3d4",
		"--api-base-url", "http://localhost:8000",
		"--reliability-method", "window",
		"--metrics-port", "9700",
	})
	require.NoError(t, err)
	require.Equal(t, "stage", cfg.ReliabilityMethod)
	require.Equal(t, 9999, cfg.MetricsPort)
}
