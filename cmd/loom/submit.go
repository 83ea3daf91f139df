package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/loomci/loom/event"
)

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "submit an event to a running controller",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:7100", Usage: "controller address"},
			&cli.StringFlag{Name: "kind", Value: "manual", Usage: "event kind: push, pull_request, schedule, manual"},
			&cli.StringFlag{Name: "repo", Required: true},
			&cli.StringFlag{Name: "ref", Value: "refs/heads/main"},
			&cli.StringFlag{Name: "sha", Required: true},
			&cli.IntFlag{Name: "pr", Usage: "pull request number"},
			&cli.StringFlag{Name: "target", Usage: "pull request target branch"},
			&cli.StringFlag{Name: "user", Usage: "caller identity for manual dispatch"},
		},
		Action: runSubmit,
	}
}

func runSubmit(ctx context.Context, cmd *cli.Command) error {
	ev := event.Event{
		Kind: event.Kind(cmd.String("kind")),
		Repo: cmd.String("repo"),
		Ref:  cmd.String("ref"),
		Sha:  cmd.String("sha"),
		Time: time.Now().UTC(),
	}
	if pr := cmd.Int("pr"); pr != 0 {
		ev.PullRequest = &event.PullRequest{
			Number:       int(pr),
			TargetBranch: cmd.String("target"),
		}
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cmd.String("addr")+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if user := cmd.String("user"); user != "" {
		req.Header.Set("X-Loom-User", user)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("controller returned %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var out struct {
		Runs []string `json:"runs"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}

	if len(out.Runs) == 0 {
		fmt.Println("no workflow matched the event")
		return nil
	}
	for _, id := range out.Runs {
		fmt.Println(id)
	}
	return nil
}
