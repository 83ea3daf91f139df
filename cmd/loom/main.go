package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/loomci/loom/controller"
	"github.com/loomci/loom/log"
)

func main() {
	// missing .env is fine, the environment may be set by the service manager
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "loom",
		Usage: "workflow controller and operation tool",
		Commands: []*cli.Command{
			controller.Command(),
			validateCommand(),
			submitCommand(),
			runsCommand(),
			versionCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("loom")
	ctx = log.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
