package main

import (
	"context"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
)

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print build information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("loom %s (%s, dirty=%v)\n",
				versioninfo.Version, versioninfo.Revision, versioninfo.DirtyBuild)
			return nil
		},
	}
}
