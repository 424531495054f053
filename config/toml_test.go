package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := rootify(f, rootDir)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, EnsureRoot(tmpDir))

	data, err := os.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.NoError(t, err)
	checkConfig(t, string(data))

	ensureFiles(t, tmpDir, "data", "config")
}

func TestEnsureRootKeepsExistingConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Moniker = "custom-moniker"
	require.NoError(t, ensureDir(filepath.Join(tmpDir, defaultConfigDir), defaultDirPerm))
	require.NoError(t, WriteConfigFile(tmpDir, cfg))

	require.NoError(t, EnsureRoot(tmpDir))
	data, err := os.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.NoError(t, err)
	assert.Contains(t, string(data), "custom-moniker")
}

func TestEnsureTestRoot(t *testing.T) {
	cfg, err := ResetTestRoot(t.TempDir(), "ensureTestRoot")
	require.NoError(t, err)
	rootDir := cfg.RootDir

	data, err := os.ReadFile(filepath.Join(rootDir, defaultConfigFilePath))
	require.NoError(t, err)
	checkConfig(t, string(data))

	ensureFiles(t, rootDir, "data")
	assert.Equal(t, "memdb", cfg.DB.Backend)
	assert.Equal(t, rootDir, cfg.DB.RootDir)
}

func TestTemplateDecodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.APIKey = "secret"
	cfg.Sync.BackupEveryNBlocks = 100

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.WriteToTemplate(path))

	var decoded struct {
		Moniker string `toml:"moniker"`
		ChainID string `toml:"chain_id"`
		Sync    struct {
			APIKey              string `toml:"api_key"`
			BackupEveryNBlocks  uint64 `toml:"backup_every_n_blocks"`
			Verify              bool   `toml:"verify"`
			SyncPollingInterval string `toml:"sync_polling_interval"`
			UnsafeStartingBlock int64  `toml:"unsafe_starting_block"`
		} `toml:"sync"`
		DB struct {
			Backend string `toml:"db_backend"`
		} `toml:"db"`
	}
	_, err := toml.DecodeFile(path, &decoded)
	require.NoError(t, err)

	assert.Equal(t, cfg.Moniker, decoded.Moniker)
	assert.Equal(t, MainnetChainID, decoded.ChainID)
	assert.Equal(t, "secret", decoded.Sync.APIKey)
	assert.EqualValues(t, 100, decoded.Sync.BackupEveryNBlocks)
	assert.True(t, decoded.Sync.Verify)
	assert.Equal(t, "2s", decoded.Sync.SyncPollingInterval)
	assert.Equal(t, NoStartingBlock, decoded.Sync.UnsafeStartingBlock)
	assert.Equal(t, "goleveldb", decoded.DB.Backend)
}

func checkConfig(t *testing.T, configFile string) {
	t.Helper()
	// list of words we expect in the config
	var elems = []string{
		"moniker",
		"chain_id",
		"feeder_gateway_url",
		"stop_on_sync",
		"pending_block_poll_interval",
		"backup_every_n_blocks",
		"db_backend",
		"prometheus_listen_addr",
	}
	for _, e := range elems {
		if !strings.Contains(configFile, e) {
			t.Errorf("config file was expected to contain %s but did not", e)
		}
	}
}
