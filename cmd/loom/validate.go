package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/loomci/loom/workflow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "validate workflow definition files",
		ArgsUsage: "[dir or file...]",
		Action:    runValidate,
	}
}

func runValidate(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		args = []string{".loom/workflows"}
	}

	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.yml"))
		if err != nil {
			return err
		}
		more, _ := filepath.Glob(filepath.Join(arg, "*.yaml"))
		files = append(files, append(matches, more...)...)
	}

	if len(files) == 0 {
		return fmt.Errorf("no workflow files found")
	}

	failed := false
	for _, file := range files {
		contents, err := os.ReadFile(file)
		if err != nil {
			return err
		}

		def, err := workflow.FromFile(filepath.Base(file), contents)
		if err != nil {
			fmt.Printf("%s: %v\n", file, err)
			failed = true
			continue
		}

		diag := def.Validate()
		for _, e := range diag.Errors {
			fmt.Printf("%s: error: %s\n", file, e.Error)
			failed = true
		}
		for _, w := range diag.Warnings {
			fmt.Printf("%s: warning: %s: %s\n", file, w.Type, w.Reason)
		}
		if len(diag.Errors) == 0 {
			fmt.Printf("%s: ok (%d job(s))\n", file, len(def.Jobs))
			if g, err := workflow.BuildGraph(def.Jobs); err == nil {
				for _, job := range def.Jobs {
					if deps := g.Dependencies(job.Name); len(deps) > 0 {
						fmt.Printf("  %s <- %s\n", job.Name, strings.Join(deps, ", "))
					}
				}
			}
		}
	}

	if failed {
		return fmt.Errorf("validation failed")
	}
	return nil
}
