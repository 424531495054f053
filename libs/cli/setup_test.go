package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsLoadViper(t *testing.T) {
	defer viper.Reset()

	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "config"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, "config", "config.toml"),
		[]byte("moniker = \"from-file\"\n[sync]\nstop_on_sync = true\n"), 0o600))

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String(HomeFlag, "", "")
	cmd.Flags().String("log_level", "info", "")
	require.NoError(t, cmd.Flags().Set(HomeFlag, home))
	require.NoError(t, cmd.Flags().Set("log_level", "debug"))

	require.NoError(t, BindFlagsLoadViper(cmd, nil))
	assert.Equal(t, home, viper.GetString(HomeFlag))
	assert.Equal(t, "debug", viper.GetString("log_level"))
	assert.Equal(t, "from-file", viper.GetString("moniker"))
	assert.True(t, viper.GetBool("sync.stop_on_sync"))
}

func TestBindFlagsLoadViperWithoutConfigFile(t *testing.T) {
	defer viper.Reset()

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String(HomeFlag, "", "")
	require.NoError(t, cmd.Flags().Set(HomeFlag, t.TempDir()))

	require.NoError(t, BindFlagsLoadViper(cmd, nil))
}

func TestInitEnv(t *testing.T) {
	defer viper.Reset()

	t.Setenv("DEMOHOME", "/tmp/demo")
	// restored after the test, InitEnv overwrites it
	t.Setenv("DEMO_HOME", "")
	InitEnv("demo")
	assert.Equal(t, "/tmp/demo", os.Getenv("DEMO_HOME"))
	assert.Equal(t, "/tmp/demo", viper.GetString("home"))
}
