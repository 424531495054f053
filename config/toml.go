package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and writes the default config file if none is present.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, defaultConfigDir), filepath.Join(rootDir, defaultDataDir)} {
		if err := ensureDir(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return writeDefaultConfigFileIfNone(rootDir)
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
// This function is called by cmd/starksync/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return writeFile(path, buffer.Bytes(), 0644)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/starksync/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.starksync" by default, but could be changed via $STARKSYNC_HOME env
# variable or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Chain id: a short string (SN_MAIN, SN_SEPOLIA) or a 0x-prefixed felt
chain_id = "{{ .BaseConfig.ChainID }}"

# Output level for logging: debug | info | warn | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###            L2 Sync Configuration Options        ###
#######################################################
[sync]

# Feeder gateway blocks and state updates are fetched from
feeder_gateway_url = "{{ .Sync.FeederGatewayURL }}"
gateway_url = "{{ .Sync.GatewayURL }}"

# Sent as the X-Throttling-Bypass header
api_key = "{{ .Sync.APIKey }}"

# Stop after syncing this many blocks. 0 syncs forever
n_blocks_to_sync = {{ .Sync.NBlocksToSync }}

# Stop the node once the upstream head is reached
stop_on_sync = {{ .Sync.StopOnSync }}

# Recompute and check state roots and block hashes
verify = {{ .Sync.Verify }}

# How often to poll for new blocks once caught up. "0s" stops polling
sync_polling_interval = "{{ .Sync.SyncPollingInterval }}"

# How often to refresh the pending block
pending_block_poll_interval = "{{ .Sync.PendingBlockPollInterval }}"

# Take a backup every N imported blocks. 0 disables backups
backup_every_n_blocks = {{ .Sync.BackupEveryNBlocks }}

# Skip block number and parent hash checks on import. Dangerous
ignore_block_order = {{ .Sync.IgnoreBlockOrder }}

# Force the first block to fetch. This also disables the block order
# checks and is dangerous. -1 resumes from the database
unsafe_starting_block = {{ .Sync.UnsafeStartingBlock }}

# Concurrent in-flight block requests
fetch_concurrency = {{ .Sync.FetchConcurrency }}

# Retries of a single block request on transient errors
fetch_max_retries = {{ .Sync.FetchMaxRetries }}

# Concurrent block conversions
conversion_concurrency = {{ .Sync.ConversionConcurrency }}

# Timeout of a single gateway request
request_timeout = "{{ .Sync.RequestTimeout }}"

#######################################################
###            Database Configuration Options       ###
#######################################################
[db]

# Database backend: goleveldb | memdb
# * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
#   - pure go
#   - stable
# * memdb
#   - in memory, nothing survives a restart
db_backend = "{{ .DB.Backend }}"

# Database directory
db_dir = "{{ js .DB.Path }}"

# Directory backups are written to
backup_dir = "{{ js .DB.BackupDir }}"

# Seed an empty database from the latest backup at startup
restore_from_latest_backup = {{ .DB.RestoreFromLatestBackup }}

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# If you want to accept a larger number than the default, make sure
# you increase your OS limits.
# 0 - unlimited.
max_open_connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh root directory under dir with the default
// config file and returns the test config rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	// create a unique, concurrency-safe test directory under dir
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s_", testName))
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}

	config := TestConfig().SetRoot(rootDir)
	config.Instrumentation.Namespace = testName
	return config, nil
}

func ensureDir(dir string, mode os.FileMode) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("could not create directory %v: %w", dir, err)
	}
	return nil
}

func writeFile(filePath string, contents []byte, mode os.FileMode) error {
	if err := os.WriteFile(filePath, contents, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
