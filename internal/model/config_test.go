package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "993", cfg.Account.Port)
	assert.True(t, cfg.Account.TLS)
	assert.Equal(t, 200, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 60, cfg.Account.CommandTimeoutSec)
	assert.Equal(t, 50, cfg.Cache.PageSize)
}

func TestLoadConfigMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `account:
  host: mail.example.com
  username: alice
sync:
  batch_size: 25
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", cfg.Account.Host)
	assert.Equal(t, "alice", cfg.Account.Username)
	assert.Equal(t, 25, cfg.Sync.BatchSize)

	// Unset keys fall back to defaults.
	assert.Equal(t, "993", cfg.Account.Port)
	assert.Equal(t, 30, cfg.Sync.ReconcileIntervalSec)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := defaultAppConfig()
	cfg.Account.Host = "imap.example.org"
	cfg.Account.Username = "bob"
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "imap.example.org", loaded.Account.Host)
	assert.Equal(t, "bob", loaded.Account.Username)
	assert.Equal(t, cfg.Sync.BatchSize, loaded.Sync.BatchSize)
}
