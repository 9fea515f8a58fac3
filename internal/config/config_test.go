package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLoginAppConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadLoginAppConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultLoginAppConfig(), cfg)
}

func TestLoadLoginAppConfigOverridesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "login.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 30000\nrsa_key_bits: 2048\n"), 0o644))

	cfg, err := LoadLoginAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.Port)
	assert.Equal(t, 2048, cfg.RSAKeyBits)
	assert.Equal(t, 0.9, cfg.ChallengeEasiness) // untouched default survives partial override
}

func TestDefaultBaseAppConfig(t *testing.T) {
	cfg := DefaultBaseAppConfig()
	assert.Equal(t, 20013, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.PendingClientTTL)
}

func TestLoadProxyConfigBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := LoadProxyConfig(path)
	assert.Error(t, err)
}
