package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a sync node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	// bind flags
	cmd.Flags().String("moniker", conf.Moniker, "node name")
	cmd.Flags().String("chain_id", conf.ChainID, "chain id, as a short string")

	// sync flags
	cmd.Flags().String("sync.feeder_gateway_url", conf.Sync.FeederGatewayURL, "feeder gateway to sync from")
	cmd.Flags().String("sync.gateway_url", conf.Sync.GatewayURL, "gateway accepting transactions")
	cmd.Flags().String("sync.api_key", conf.Sync.APIKey, "gateway API key")
	cmd.Flags().Uint64("sync.n_blocks_to_sync", conf.Sync.NBlocksToSync, "stop after this many blocks (0 = no limit)")
	cmd.Flags().Bool("sync.stop_on_sync", conf.Sync.StopOnSync, "exit once the head of the chain is reached")
	cmd.Flags().Bool("sync.verify", conf.Sync.Verify, "verify state roots and block hashes")
	cmd.Flags().Duration("sync.sync_polling_interval", conf.Sync.SyncPollingInterval,
		"how often to poll for new blocks once synced (0 disables polling)")
	cmd.Flags().Duration("sync.pending_block_poll_interval", conf.Sync.PendingBlockPollInterval,
		"how often to refresh the pending block")
	cmd.Flags().Uint64("sync.backup_every_n_blocks", conf.Sync.BackupEveryNBlocks, "back up the database every n blocks (0 disables backups)")
	cmd.Flags().Int64("sync.unsafe_starting_block", conf.Sync.UnsafeStartingBlock,
		"start from this block instead of the store tip (-1 resumes from the tip)")

	// db flags
	cmd.Flags().String("db.db_backend", conf.DB.Backend, "database backend: goleveldb | memdb")
	cmd.Flags().String("db.db_dir", conf.DB.Path, "database directory")
	cmd.Flags().Bool("db.restore_from_latest_backup", conf.DB.RestoreFromLatestBackup,
		"seed an empty database from the latest backup")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve Prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus_listen_addr", conf.Instrumentation.PrometheusListenAddr,
		"Prometheus listen address")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
// The command exits non-zero when the sync pipeline stopped on an error.
func NewRunNodeCmd(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the sync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.NewDefault(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(cmd.Context()); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "chain_id", conf.ChainID, "moniker", conf.Moniker)

			// Stop upon receiving SIGTERM or CTRL-C, or once the sync finishes.
			n.Wait()
			return n.Err()
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
