// Package notify fans out run-completion notifications. Every
// notifier is best effort: a failing channel never affects the run.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Report is the final shape of one run: exactly one terminal status
// per job instance.
type Report struct {
	RunId    string
	Workflow string
	Status   string
	Error    string
	Started  time.Time
	Duration time.Duration
	Jobs     []JobSummary
}

type JobSummary struct {
	Instance string
	Status   string
}

func (r *Report) Failed() bool {
	for _, j := range r.Jobs {
		if j.Status == "failed" {
			return true
		}
	}
	return r.Error != ""
}

// Summary renders a compact human-readable digest, shared by the
// chat-shaped notifiers.
func (r *Report) Summary() string {
	var sb strings.Builder

	verdict := "passed"
	if r.Failed() {
		verdict = "failed"
	}
	if r.Status == "cancelled" {
		verdict = "cancelled"
	}

	fmt.Fprintf(&sb, "%s %s (run %s, %s)\n", r.Workflow, verdict, r.RunId, humanize.Time(r.Started))
	for _, j := range r.Jobs {
		fmt.Fprintf(&sb, "  %s: %s\n", j.Instance, j.Status)
	}
	return sb.String()
}

type Notifier interface {
	RunFinished(ctx context.Context, report *Report)
}

// Fanout invokes every configured notifier in order.
type Fanout []Notifier

func (f Fanout) RunFinished(ctx context.Context, report *Report) {
	for _, n := range f {
		n.RunFinished(ctx, report)
	}
}
