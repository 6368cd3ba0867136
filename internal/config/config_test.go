package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Equal(t, "127.0.0.1:9051", cfg.Tor.ControlAddr)
	require.Equal(t, 9050, cfg.Tor.SocksPort)
	require.True(t, cfg.StrictVerified(), "strict verified must default to true")
	require.False(t, cfg.Debug.Enabled, "debug must default to off")
	require.Equal(t, 80, cfg.VirtualPort)
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	content := `
dataDir: /var/lib/enclave
virtualPort: 443
tor:
  controlAddr: 127.0.0.1:19051
inbound:
  strictVerified: false
debug:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := Load(path)
	require.Equal(t, "/var/lib/enclave", cfg.DataDir)
	require.Equal(t, 443, cfg.VirtualPort)
	require.Equal(t, "127.0.0.1:19051", cfg.Tor.ControlAddr)
	require.Equal(t, 9050, cfg.Tor.SocksPort, "unset fields keep defaults")
	require.False(t, cfg.StrictVerified(), "explicit strictVerified=false must win")
	require.True(t, cfg.Debug.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENCLAVE_SOCKS_PORT", "19050")
	t.Setenv("ENCLAVE_DATA_DIR", "/tmp/enclave-test")
	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Equal(t, 19050, cfg.Tor.SocksPort)
	require.Equal(t, "/tmp/enclave-test", cfg.DataDir)
}

func TestMalformedFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	cfg := Load(path)
	require.Equal(t, Default().Tor.ControlAddr, cfg.Tor.ControlAddr)
}
