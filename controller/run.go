package controller

import (
	"fmt"

	"github.com/loomci/loom/db"
	"github.com/loomci/loom/workflow"
)

// instance is one matrix point of one job template, scheduled as a
// unit.
type instance struct {
	template *workflow.JobTemplate
	combo    workflow.Combination
	id       string
}

func instanceId(template string, combo workflow.Combination) string {
	return template + "/" + combo.ID
}

type tmplState struct {
	tmpl       *workflow.JobTemplate
	instances  []instance
	remaining  int
	dispatched bool

	// terminal tallies, inputs to dependent conditions
	failed    bool
	cancelled bool
	skipped   bool
}

func (ts *tmplState) terminal() bool {
	return ts.dispatched && ts.remaining == 0
}

// ok reports whether dependents with the default condition may run.
func (ts *tmplState) ok() bool {
	return !ts.failed && !ts.cancelled && !ts.skipped
}

type instanceDone struct {
	template string
	status   db.JobStatus
}

// executeRun drives one run from expansion to terminal state. It is
// the single authority over the run's status transitions.
func (c *Controller) executeRun(h *runHandle) {
	l := c.l.With("run", h.id, "workflow", h.def.Name)
	defer c.forget(h)
	defer func() {
		if promoted := c.gt.Release(h.groupKey, h.id); promoted != nil {
			promoted()
		}
	}()

	if h.Cancelled() {
		_ = c.d.MarkRunCancelled(h.id, c.n)
		c.m.runsTotal.WithLabelValues(string(db.RunCancelled)).Inc()
		return
	}

	if err := c.d.MarkRunRunning(h.id, c.n); err != nil {
		l.Error("failed to mark run running", "err", err)
		return
	}
	c.m.activeRuns.Inc()
	defer c.m.activeRuns.Dec()

	state, order, err := c.expand(h)
	if err != nil {
		l.Error("matrix expansion failed", "err", err)
		_ = c.d.MarkRunCompleted(h.id, err.Error(), c.n)
		c.m.runsTotal.WithLabelValues(string(db.RunCompleted)).Inc()
		c.finishRun(h, err.Error())
		return
	}

	c.schedule(h, state, order)

	if h.Cancelled() {
		_ = c.d.MarkRunCancelled(h.id, c.n)
		c.m.runsTotal.WithLabelValues(string(db.RunCancelled)).Inc()
		c.finishRun(h, "")
		return
	}

	errMsg := ""
	failed := 0
	for _, ts := range state {
		if ts.failed {
			failed++
		}
	}
	if failed > 0 {
		errMsg = fmt.Sprintf("%d job(s) failed", failed)
	}

	_ = c.d.MarkRunCompleted(h.id, errMsg, c.n)
	c.m.runsTotal.WithLabelValues(string(db.RunCompleted)).Inc()

	c.aggregate(h, state)
	c.finishRun(h, errMsg)
}

// expand materializes every job template into its matrix instances
// and registers jobs and steps up front, so the run's report always
// shows the full shape.
func (c *Controller) expand(h *runHandle) (map[string]*tmplState, []string, error) {
	state := make(map[string]*tmplState)
	var order []string

	var jobs []db.Job
	var steps []db.Step

	for _, tmpl := range h.def.Jobs {
		combos := []workflow.Combination{{ID: "default", Values: map[string]string{}}}
		if tmpl.Matrix != nil {
			var err error
			combos, err = tmpl.Matrix.Expand()
			if err != nil {
				return nil, nil, fmt.Errorf("job %q: %w", tmpl.Name, err)
			}
		}

		ts := &tmplState{tmpl: tmpl, remaining: len(combos)}
		for _, combo := range combos {
			inst := instance{template: tmpl, combo: combo, id: instanceId(tmpl.Name, combo)}
			ts.instances = append(ts.instances, inst)

			jobs = append(jobs, db.Job{
				RunId:    h.id,
				Template: tmpl.Name,
				Instance: inst.id,
				Matrix:   combo.Values,
				Status:   db.JobPending,
			})
			for idx, st := range tmpl.Steps {
				steps = append(steps, db.Step{
					RunId:    h.id,
					Instance: inst.id,
					Idx:      idx,
					Name:     st.Name,
					Status:   db.StepPending,
				})
			}
		}

		state[tmpl.Name] = ts
		order = append(order, tmpl.Name)
	}

	if err := c.d.CreateJobs(jobs, c.n); err != nil {
		return nil, nil, err
	}
	if err := c.d.CreateSteps(steps); err != nil {
		return nil, nil, err
	}
	return state, order, nil
}

// schedule walks the job graph: a template dispatches once every
// template it needs is terminal, and its condition decides between
// running and skipping. Conditions are evaluated after the wait, so
// always() still sees settled dependencies.
func (c *Controller) schedule(h *runHandle, state map[string]*tmplState, order []string) {
	// buffered to the run's full width so workers never block on
	// reporting, even while the scheduler waits on a queue slot
	total := 0
	for _, ts := range state {
		total += len(ts.instances)
	}
	done := make(chan instanceDone, total)
	outstanding := 0

	depsTerminal := func(ts *tmplState) bool {
		for _, dep := range ts.tmpl.Needs {
			if !state[dep].terminal() {
				return false
			}
		}
		return true
	}

	for {
		progressed := false
		for _, name := range order {
			ts := state[name]
			if ts.dispatched || !depsTerminal(ts) {
				continue
			}
			ts.dispatched = true
			progressed = true

			// a cancelled run starts no further jobs
			if h.Cancelled() {
				for _, inst := range ts.instances {
					_ = c.d.MarkJobTerminal(h.id, inst.id, db.JobCancelled, "", c.n)
					c.cancelSteps(h.id, inst.id, len(ts.tmpl.Steps))
					c.m.jobsTotal.WithLabelValues(string(db.JobCancelled)).Inc()
				}
				ts.remaining = 0
				ts.cancelled = true
				continue
			}

			if ts.skipAll(h, state) {
				for _, inst := range ts.instances {
					_ = c.d.MarkJobTerminal(h.id, inst.id, db.JobSkipped, "", c.n)
					c.skipSteps(h.id, inst.id, len(ts.tmpl.Steps))
					c.m.jobsTotal.WithLabelValues(string(db.JobSkipped)).Inc()
				}
				ts.remaining = 0
				ts.skipped = true
				continue
			}

			for _, inst := range ts.instances {
				inst := inst
				err := c.jq.EnqueueWait(h.ctx, queueJob{
					Run: func() error {
						status := c.executeJob(h, inst)
						done <- instanceDone{template: inst.template.Name, status: status}
						return nil
					},
				})
				if err != nil {
					// run cancelled while waiting for a worker
					_ = c.d.MarkJobTerminal(h.id, inst.id, db.JobCancelled, "", c.n)
					c.cancelSteps(h.id, inst.id, len(ts.tmpl.Steps))
					c.m.jobsTotal.WithLabelValues(string(db.JobCancelled)).Inc()
					ts.remaining--
					ts.cancelled = true
					continue
				}
				outstanding++
			}
		}

		if outstanding > 0 {
			res := <-done
			outstanding--
			ts := state[res.template]
			ts.remaining--
			switch res.status {
			case db.JobFailed:
				ts.failed = true
			case db.JobCancelled:
				ts.cancelled = true
			case db.JobSkipped:
				ts.skipped = true
			}
			continue
		}

		if !progressed {
			return
		}
	}
}

// skipAll evaluates the template's condition against its settled
// dependencies.
func (ts *tmplState) skipAll(h *runHandle, state map[string]*tmplState) bool {
	depFailed := false
	depCancelled := false
	for _, dep := range ts.tmpl.Needs {
		ds := state[dep]
		if ds.failed || ds.skipped {
			depFailed = true
		}
		if ds.cancelled {
			depCancelled = true
		}
	}

	cond := ts.tmpl.Cond
	if cond == nil {
		cond = workflow.DefaultCond()
	}
	return !cond.Eval(workflow.CondContext{
		Failed:    depFailed,
		Cancelled: depCancelled,
		EventKind: string(h.ev.Kind),
		Branch:    h.ev.Branch(),
	})
}

func (c *Controller) skipSteps(runId, instId string, n int) {
	for idx := range n {
		_ = c.d.MarkStepDone(runId, instId, idx, db.StepSkipped, 0, 0, c.n)
	}
}

func (c *Controller) cancelSteps(runId, instId string, n int) {
	for idx := range n {
		_ = c.d.MarkStepDone(runId, instId, idx, db.StepCancelled, 0, 0, c.n)
	}
}
