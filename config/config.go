package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/tendermint/starksync/types"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// DefaultLogLevel defines a default log level as INFO.
	DefaultLogLevel = "info"

	// NoStartingBlock disables the forced starting block.
	NoStartingBlock int64 = -1

	// MainnetChainID is the chain id used when none is configured.
	MainnetChainID = "SN_MAIN"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultStarksyncDir = ".starksync"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"
	defaultBackupDir    = "backups"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a sync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Sync            *SyncConfig            `mapstructure:"sync"`
	DB              *DBConfig              `mapstructure:"db"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a sync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Sync:            DefaultSyncConfig(),
		DB:              DefaultDBConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Sync:            TestSyncConfig(),
		DB:              TestDBConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.DB.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [sync] section")
	}
	if err := cfg.DB.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [db] section")
	}
	return pkgerrors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a sync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Chain id, either a short string such as SN_MAIN or a 0x-prefixed felt.
	// It is mixed into recomputed transaction hashes.
	ChainID string `mapstructure:"chain_id"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a sync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		ChainID:   MainnetChainID,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing a sync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.ChainID = "SN_TEST"
	cfg.LogLevel = "debug"
	return cfg
}

// ChainIDFelt returns the chain id as a felt.
func (cfg BaseConfig) ChainIDFelt() (types.Felt, error) {
	if strings.HasPrefix(cfg.ChainID, "0x") {
		return types.FeltFromHex(cfg.ChainID)
	}
	return types.FeltFromShortString(cfg.ChainID)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	if cfg.ChainID == "" {
		return errors.New("chain_id can't be empty")
	}
	if _, err := cfg.ChainIDFelt(); err != nil {
		return fmt.Errorf("invalid chain_id: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration for the L2 sync pipeline.
type SyncConfig struct {
	// Feeder gateway the blocks are fetched from.
	FeederGatewayURL string `mapstructure:"feeder_gateway_url"`

	// Gateway url, reported in logs only.
	GatewayURL string `mapstructure:"gateway_url"`

	// Sent as X-Throttling-Bypass to lift the gateway rate limit.
	APIKey string `mapstructure:"api_key"`

	// Stop after syncing this many blocks. 0 syncs forever.
	NBlocksToSync uint64 `mapstructure:"n_blocks_to_sync"`

	// Stop the node once the upstream head is reached.
	StopOnSync bool `mapstructure:"stop_on_sync"`

	// Recompute and check state roots and block hashes.
	Verify bool `mapstructure:"verify"`

	// How often to poll for new blocks once caught up. 0 stops polling.
	SyncPollingInterval time.Duration `mapstructure:"sync_polling_interval"`

	// How often to refresh the pending block.
	PendingBlockPollInterval time.Duration `mapstructure:"pending_block_poll_interval"`

	// Take a backup every N imported blocks. 0 disables backups.
	BackupEveryNBlocks uint64 `mapstructure:"backup_every_n_blocks"`

	// Skip the block number and parent hash checks on import. Dangerous:
	// meant for backfilling out of order.
	IgnoreBlockOrder bool `mapstructure:"ignore_block_order"`

	// Force the first block to fetch. Dangerous: it also disables the block
	// order checks. -1 resumes from the database.
	UnsafeStartingBlock int64 `mapstructure:"unsafe_starting_block"`

	// Concurrent in-flight block requests.
	FetchConcurrency int `mapstructure:"fetch_concurrency"`

	// Retries of a single block request on transient errors.
	FetchMaxRetries uint64 `mapstructure:"fetch_max_retries"`

	// Concurrent block conversions.
	ConversionConcurrency int `mapstructure:"conversion_concurrency"`

	// Timeout of a single gateway request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultSyncConfig returns a default configuration for the sync pipeline
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		FeederGatewayURL:         "https://alpha-mainnet.starknet.io/feeder_gateway",
		GatewayURL:               "https://alpha-mainnet.starknet.io/gateway",
		Verify:                   true,
		SyncPollingInterval:      2 * time.Second,
		PendingBlockPollInterval: 2 * time.Second,
		UnsafeStartingBlock:      NoStartingBlock,
		FetchConcurrency:         10,
		FetchMaxRetries:          10,
		ConversionConcurrency:    10,
		RequestTimeout:           30 * time.Second,
	}
}

// TestSyncConfig returns a configuration for testing the sync pipeline
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.FeederGatewayURL = "http://127.0.0.1:0/feeder_gateway"
	cfg.SyncPollingInterval = 10 * time.Millisecond
	cfg.PendingBlockPollInterval = 10 * time.Millisecond
	cfg.FetchConcurrency = 4
	cfg.FetchMaxRetries = 2
	cfg.ConversionConcurrency = 4
	cfg.RequestTimeout = time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if _, err := url.Parse(cfg.FeederGatewayURL); err != nil || cfg.FeederGatewayURL == "" {
		return fmt.Errorf("invalid feeder_gateway_url %q", cfg.FeederGatewayURL)
	}
	if cfg.SyncPollingInterval < 0 {
		return errors.New("sync_polling_interval can't be negative")
	}
	if cfg.PendingBlockPollInterval <= 0 {
		return errors.New("pending_block_poll_interval must be positive")
	}
	if cfg.UnsafeStartingBlock < NoStartingBlock || cfg.UnsafeStartingBlock > types.MaxBlockNumber {
		return fmt.Errorf("unsafe_starting_block must be -1 or a block number <= %d", uint32(types.MaxBlockNumber))
	}
	if cfg.FetchConcurrency < 1 {
		return errors.New("fetch_concurrency must be at least 1")
	}
	if cfg.ConversionConcurrency < 1 {
		return errors.New("conversion_concurrency must be at least 1")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	return nil
}

// StartingBlock returns the forced starting block, if any.
func (cfg *SyncConfig) StartingBlock() (uint64, bool) {
	if cfg.UnsafeStartingBlock < 0 {
		return 0, false
	}
	return uint64(cfg.UnsafeStartingBlock), true
}

//-----------------------------------------------------------------------------
// DBConfig

// DBConfig defines the storage settings of the node.
type DBConfig struct {
	RootDir string `mapstructure:"home"`

	// Database backend: goleveldb | memdb
	// * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
	//   - pure go
	//   - stable
	// * memdb
	//   - in memory, nothing survives a restart; for tests
	Backend string `mapstructure:"db_backend"`

	// Database directory
	Path string `mapstructure:"db_dir"`

	// Directory backups are written to.
	BackupDir string `mapstructure:"backup_dir"`

	// Seed an empty database from the latest backup at startup.
	RestoreFromLatestBackup bool `mapstructure:"restore_from_latest_backup"`
}

// DefaultDBConfig returns the default storage settings.
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		Backend:   "goleveldb",
		Path:      defaultDataDir,
		BackupDir: defaultBackupDir,
	}
}

// TestDBConfig returns storage settings for tests.
func TestDBConfig() *DBConfig {
	cfg := DefaultDBConfig()
	cfg.Backend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg *DBConfig) DBDir() string {
	return rootify(cfg.Path, cfg.RootDir)
}

// BackupPath returns the full path to the backup directory
func (cfg *DBConfig) BackupPath() string {
	return rootify(cfg.BackupDir, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *DBConfig) ValidateBasic() error {
	switch cfg.Backend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db_backend %q (must be 'goleveldb' or 'memdb')", cfg.Backend)
	}
	if cfg.RestoreFromLatestBackup && cfg.BackupDir == "" {
		return errors.New("restore_from_latest_backup requires backup_dir")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Maximum number of simultaneous connections.
	// If you want to accept a larger number than the default, make sure
	// you increase your OS limits.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max_open_connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "starksync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
