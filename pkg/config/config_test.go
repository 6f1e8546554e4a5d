package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
display_name: alice
relay_urls:
  - wss://relay-1.example.com/ws
  - wss://relay-2.example.com/ws
keepalive_interval: 10s
backoff_base: 500ms
backoff_max: 10s
attempts_per_server: 3
auto_accept_friends: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.DisplayName)
	assert.Len(t, cfg.RelayURLs, 2)
	assert.Equal(t, 10*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 3, cfg.AttemptsPerServer)
	assert.True(t, cfg.AutoAcceptFriends)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().DatabasePath, cfg.DatabasePath)
}

func TestLoadRejectsEmptyRelayPool(t *testing.T) {
	path := writeConfig(t, "relay_urls: []\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvertedBackoff(t *testing.T) {
	path := writeConfig(t, "backoff_base: 1m\nbackoff_max: 1s\n")
	_, err := Load(path)
	assert.Error(t, err)
}
