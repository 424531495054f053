package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/libs/log"
)

// MakeResetCommand returns the command removing the database, and the
// backups with --backups. The config file is left untouched.
func MakeResetCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var removeBackups bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove all synced data, starting over from genesis on the next start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ResetAll(conf.DB.DBDir(), conf.DB.BackupPath(), removeBackups, logger)
		},
	}
	cmd.Flags().BoolVar(&removeBackups, "backups", false, "also remove the database backups")
	return cmd
}

// ResetAll removes the database directory and recreates it empty.
func ResetAll(dbDir, backupDir string, removeBackups bool, logger log.Logger) error {
	if err := os.RemoveAll(dbDir); err != nil {
		logger.Error("error removing database", "dir", dbDir, "err", err)
		return err
	}
	logger.Info("removed database", "dir", dbDir)

	if removeBackups {
		if err := os.RemoveAll(backupDir); err != nil {
			logger.Error("error removing backups", "dir", backupDir, "err", err)
			return err
		}
		logger.Info("removed backups", "dir", backupDir)
	}

	return os.MkdirAll(dbDir, 0700)
}
