package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"

	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/loomci/loom/db"
)

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:      "runs",
		Usage:     "list runs on a running controller, or show one run",
		ArgsUsage: "[run id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:7100", Usage: "controller address"},
			&cli.StringFlag{Name: "cursor", Usage: "pagination cursor from a previous call"},
		},
		Action: runRuns,
	}
}

func runRuns(ctx context.Context, cmd *cli.Command) error {
	if id := cmd.Args().First(); id != "" {
		return showRun(ctx, cmd.String("addr"), id)
	}

	url := cmd.String("addr") + "/runs"
	if cursor := cmd.String("cursor"); cursor != "" {
		url += "?cursor=" + cursor
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller returned %s", resp.Status)
	}

	var out struct {
		Runs   []db.Run `json:"runs"`
		Cursor string   `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	if len(out.Runs) == 0 {
		fmt.Println("no runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tWORKFLOW\tSTATUS\tCREATED\tERROR")
	for _, run := range out.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.Id, run.Workflow, run.Status, humanize.Time(run.CreatedAt), run.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if out.Cursor != "" {
		fmt.Printf("\nnext: --cursor %s\n", out.Cursor)
	}
	return nil
}

func showRun(ctx context.Context, addr, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/runs/"+id, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller returned %s", resp.Status)
	}

	var out struct {
		Run  db.Run `json:"run"`
		Jobs []struct {
			db.Job
			Steps []db.Step `json:"steps"`
		} `json:"jobs"`
		Artifacts []db.Artifact `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	fmt.Printf("%s  %s  %s  %s\n", out.Run.Id, out.Run.Workflow, out.Run.Status, humanize.Time(out.Run.CreatedAt))
	if out.Run.Error != "" {
		fmt.Printf("error: %s\n", out.Run.Error)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATUS\tSTEPS")
	for _, j := range out.Jobs {
		done := 0
		for _, s := range j.Steps {
			if s.Status != db.StepPending {
				done++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\n", j.Instance, j.Status, done, len(j.Steps))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(out.Artifacts) > 0 {
		fmt.Println()
		for _, a := range out.Artifacts {
			fmt.Printf("artifact %s (%s)\n", a.Name, a.Instance)
		}
	}
	return nil
}
