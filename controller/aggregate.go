package controller

import (
	"context"
	"path"
	"time"

	"github.com/loomci/loom/artifact"
	"github.com/loomci/loom/notify"
	"github.com/loomci/loom/publish"
)

var nowFunc = time.Now

// aggregate gathers the run's artifacts per the definition's publish
// block and hands them downstream. Publisher failures are logged and
// counted, never reflected in job or run statuses.
func (c *Controller) aggregate(h *runHandle, state map[string]*tmplState) {
	spec := h.def.Publish
	if spec == nil {
		return
	}
	l := c.l.With("run", h.id, "workflow", h.def.Name)

	statuses := make(map[string]string)
	if rows, err := c.d.GetJobs(h.id); err != nil {
		l.Error("failed to read job statuses", "err", err)
	} else {
		for _, j := range rows {
			statuses[j.Instance] = string(j.Status)
		}
	}

	jobs := make(map[string]string)
	for _, name := range spec.Needs {
		ts, ok := state[name]
		if !ok {
			continue
		}
		for _, inst := range ts.instances {
			jobs[inst.id] = statuses[inst.id]
		}
	}

	arts, err := c.d.GetArtifacts(h.id)
	if err != nil {
		l.Error("failed to list artifacts", "err", err)
		c.m.publishFailures.Inc()
		return
	}

	var items []publish.Item
	for _, a := range arts {
		if !matchesAny(spec.Artifacts, a.Name) {
			continue
		}
		items = append(items, publish.Item{
			Name:     a.Name,
			Instance: a.Instance,
			Handle:   artifact.Handle(a.Handle),
		})
	}

	agg := publish.Aggregate{
		RunId:    h.id,
		Workflow: h.def.Name,
		Jobs:     jobs,
		Items:    items,
	}

	if err := c.pub.Publish(context.Background(), agg); err != nil {
		l.Error("publish failed", "items", len(items), "err", err)
		c.m.publishFailures.Inc()
		return
	}
	l.Info("published run results", "items", len(items))
}

// an empty glob list publishes every artifact
func matchesAny(globs []string, name string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, err := path.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

// finishRun emits the final report to every configured notifier.
func (c *Controller) finishRun(h *runHandle, errMsg string) {
	run, err := c.d.GetRun(h.id)
	if err != nil {
		c.l.Error("failed to load run for report", "run", h.id, "err", err)
		return
	}

	report := &notify.Report{
		RunId:    h.id,
		Workflow: h.def.Name,
		Status:   string(run.Status),
		Error:    errMsg,
		Started:  run.CreatedAt,
	}
	if run.FinishedAt != nil {
		report.Duration = run.FinishedAt.Sub(run.CreatedAt)
	}

	jobs, err := c.d.GetJobs(h.id)
	if err != nil {
		c.l.Error("failed to load jobs for report", "run", h.id, "err", err)
	}
	for _, j := range jobs {
		report.Jobs = append(report.Jobs, notify.JobSummary{
			Instance: j.Instance,
			Status:   string(j.Status),
		})
	}

	c.nf.RunFinished(context.Background(), report)
}
