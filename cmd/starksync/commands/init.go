package commands

import (
	"github.com/spf13/cobra"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/libs/log"
)

// MakeInitFilesCommand returns the command that writes config.toml under the
// home directory. Values already in an existing config file are kept, flags
// take precedence over them.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initializes a starksync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
				return err
			}
			logger.Info("wrote config file", "home", conf.RootDir, "chain_id", conf.ChainID)
			return nil
		},
	}

	cmd.Flags().String("chain_id", conf.ChainID, "chain id, as a short string")
	cmd.Flags().String("sync.feeder_gateway_url", conf.Sync.FeederGatewayURL, "feeder gateway to sync from")
	cmd.Flags().String("db.db_backend", conf.DB.Backend, "database backend: goleveldb | memdb")
	return cmd
}
