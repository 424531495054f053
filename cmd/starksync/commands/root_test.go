package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/libs/log"
)

// testRootCmd wires the root command the way main does, plus a "noop"
// command that only runs the config setup.
func testRootCmd(conf *config.Config) *cobra.Command {
	viper.Reset()
	logger := log.NewNopLogger()

	cmd := RootCommand(conf, logger)
	cmd.AddCommand(
		MakeInitFilesCommand(conf, logger),
		NewRunNodeCmd(conf, logger),
		MakeQueryCommand(conf, logger),
		MakeResetCommand(conf, logger),
		VersionCmd,
		&cobra.Command{Use: "noop", RunE: func(*cobra.Command, []string) error { return nil }},
	)
	return cmd
}

func runCmd(t *testing.T, conf *config.Config, args ...string) (string, error) {
	t.Helper()

	cmd := testRootCmd(conf)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// clearEnv makes sure env overrides set by a test don't leak into others.
func clearEnv(t *testing.T) {
	t.Setenv("STARKSYNC_HOME", "")
	t.Setenv("STARKSYNCHOME", "")
	t.Setenv("STARKSYNC_SYNC_FEEDER_GATEWAY_URL", "")
}

func TestRootHome(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		name string
		args []string
		env  map[string]string
		root string
	}{
		{"flag", []string{"--home", filepath.Join(root, "flag")}, nil, filepath.Join(root, "flag")},
		{"env", nil, map[string]string{"STARKSYNC_HOME": filepath.Join(root, "env")}, filepath.Join(root, "env")},
		{"short env", nil, map[string]string{"STARKSYNCHOME": filepath.Join(root, "short")}, filepath.Join(root, "short")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			conf := config.DefaultConfig()
			_, err := runCmd(t, conf, append([]string{"noop"}, tc.args...)...)
			require.NoError(t, err)

			assert.Equal(t, tc.root, conf.RootDir)
			assert.Equal(t, tc.root, conf.DB.RootDir)
			assert.Equal(t, filepath.Join(tc.root, "data"), conf.DB.DBDir())
			assert.FileExists(t, filepath.Join(tc.root, "config", "config.toml"))
		})
	}
}

func TestRootFlagsOverrideConfigFile(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()

	_, err := runCmd(t, config.DefaultConfig(), "init", "--home", home,
		"--chain_id", "SN_SEPOLIA", "--sync.feeder_gateway_url", "http://localhost:9545/feeder_gateway")
	require.NoError(t, err)

	conf := config.DefaultConfig()
	_, err = runCmd(t, conf, "noop", "--home", home)
	require.NoError(t, err)
	assert.Equal(t, "SN_SEPOLIA", conf.ChainID)
	assert.Equal(t, "http://localhost:9545/feeder_gateway", conf.Sync.FeederGatewayURL)
	assert.Equal(t, config.DefaultLogLevel, conf.LogLevel)

	conf = config.DefaultConfig()
	_, err = runCmd(t, conf, "noop", "--home", home, "--log_level", "debug")
	require.NoError(t, err)
	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, "SN_SEPOLIA", conf.ChainID)

	t.Setenv("STARKSYNC_SYNC_FEEDER_GATEWAY_URL", "http://127.0.0.1:1/feeder_gateway")
	conf = config.DefaultConfig()
	_, err = runCmd(t, conf, "noop", "--home", home)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:1/feeder_gateway", conf.Sync.FeederGatewayURL)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()

	_, err := runCmd(t, config.DefaultConfig(), "noop", "--home", home, "--log_format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_format")
}

func TestInitKeepsExistingValues(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()

	_, err := runCmd(t, config.DefaultConfig(), "init", "--home", home, "--chain_id", "SN_SEPOLIA")
	require.NoError(t, err)
	_, err = runCmd(t, config.DefaultConfig(), "init", "--home", home, "--db.db_backend", "memdb")
	require.NoError(t, err)

	bz, err := os.ReadFile(filepath.Join(home, "config", "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(bz), `chain_id = "SN_SEPOLIA"`)
	assert.Contains(t, string(bz), `db_backend = "memdb"`)
}

func TestStartFailsOnInvalidGateway(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()

	_, err := runCmd(t, config.DefaultConfig(), "start", "--home", home,
		"--sync.feeder_gateway_url", "ftp://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create node")
}
