package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendermint/starksync/cmd/starksync/commands"
	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/libs/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf, err := commands.ParseConfig(config.DefaultConfig())
	if err != nil {
		panic(err)
	}

	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.NewRunNodeCmd(conf, logger),
		commands.MakeQueryCommand(conf, logger),
		commands.MakeResetCommand(conf, logger),
		commands.VersionCmd,
	)

	if err := rcmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
