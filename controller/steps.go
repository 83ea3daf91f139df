package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/loomci/loom/db"
	"github.com/loomci/loom/runner"
	"github.com/loomci/loom/secrets"
	"github.com/loomci/loom/workflow"
)

// executeJob runs one job instance's steps in order and returns its
// terminal status. Steps run sequentially; a failure stops the
// sequence except for steps whose condition still holds.
func (c *Controller) executeJob(h *runHandle, inst instance) db.JobStatus {
	l := c.l.With("run", h.id, "instance", inst.id)
	tmpl := inst.template

	if h.Cancelled() {
		_ = c.d.MarkJobTerminal(h.id, inst.id, db.JobCancelled, "", c.n)
		c.cancelSteps(h.id, inst.id, len(tmpl.Steps))
		c.m.jobsTotal.WithLabelValues(string(db.JobCancelled)).Inc()
		return db.JobCancelled
	}

	if err := c.d.MarkJobRunning(h.id, inst.id, c.n); err != nil {
		l.Error("failed to mark job running", "err", err)
	}

	logger, err := NewInstanceLogger(c.cfg.Server.LogDir, h.id, inst.id)
	if err != nil {
		l.Error("failed to open instance log", "err", err)
		return c.failJob(h, inst, fmt.Sprintf("opening log: %v", err))
	}
	defer logger.Close()

	if err := c.r.SetupJob(h.ctx, h.id, inst.id); err != nil {
		l.Error("job setup failed", "err", err)
		return c.failJob(h, inst, fmt.Sprintf("setup: %v", err))
	}
	defer func() {
		if err := c.r.DestroyJob(context.Background(), h.id, inst.id); err != nil {
			l.Error("job teardown failed", "err", err)
		}
	}()

	env := c.mergedEnv(h, inst)

	timeout := tmpl.TimeoutDuration
	if timeout == 0 {
		timeout = workflow.DefaultJobTimeout
	}
	jobCtx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()

	start := nowFunc()
	stepFailed := false
	timedOut := false

	for idx, st := range tmpl.Steps {
		// a cancel is final: nothing further starts, conditions are
		// not consulted, the remainder is marked cancelled
		if h.Cancelled() {
			for i := idx; i < len(tmpl.Steps); i++ {
				logger.Control(i, tmpl.Steps[i].Name, string(db.StepCancelled))
				_ = c.d.MarkStepDone(h.id, inst.id, i, db.StepCancelled, 0, 0, c.n)
				c.m.stepsTotal.WithLabelValues(string(db.StepCancelled)).Inc()
			}
			break
		}

		cond := st.Cond
		if cond == nil {
			cond = workflow.DefaultCond()
		}
		run := cond.Eval(workflow.CondContext{
			Failed:    stepFailed || timedOut,
			EventKind: string(h.ev.Kind),
			Branch:    h.ev.Branch(),
		})
		// the deadline is final too, conditions cannot resurrect the job
		if timedOut {
			run = false
		}
		if !run {
			logger.Control(idx, st.Name, string(db.StepSkipped))
			_ = c.d.MarkStepDone(h.id, inst.id, idx, db.StepSkipped, 0, 0, c.n)
			c.m.stepsTotal.WithLabelValues(string(db.StepSkipped)).Inc()
			continue
		}

		logger.Control(idx, st.Name, string(db.StepRunning))
		_ = c.d.MarkStepRunning(h.id, inst.id, idx, c.n)

		stepEnv := mergeEnv(env, st.Env)
		outcome, err := c.r.RunStep(jobCtx, runner.StepSpec{
			RunId:     h.id,
			Instance:  inst.id,
			Name:      st.Name,
			Command:   st.Command,
			Env:       stepEnv,
			Artifacts: st.Artifacts,
		}, logger.DataWriter(idx, "stdout"))

		for _, produced := range outcome.Artifacts {
			if err := c.d.AddArtifact(db.Artifact{
				RunId:    h.id,
				Instance: inst.id,
				Name:     produced.Name,
				Handle:   string(produced.Handle),
			}); err != nil {
				l.Error("failed to record artifact", "name", produced.Name, "err", err)
			}
		}

		status := db.StepSucceeded
		switch {
		case err != nil && h.Cancelled():
			status = db.StepCancelled
		case err != nil && (errors.Is(err, runner.ErrTimedOut) || errors.Is(err, context.DeadlineExceeded)):
			status = db.StepFailed
			stepFailed = true
			timedOut = true
		case err != nil:
			l.Error("step transport error", "step", st.Name, "err", err)
			status = db.StepFailed
			stepFailed = true
		case outcome.ExitCode != 0:
			status = db.StepFailed
			stepFailed = true
		}

		logger.Control(idx, st.Name, string(status))
		_ = c.d.MarkStepDone(h.id, inst.id, idx, status, outcome.ExitCode, outcome.Duration, c.n)
		c.m.stepsTotal.WithLabelValues(string(status)).Inc()
	}

	c.m.jobDuration.Observe(nowFunc().Sub(start).Seconds())

	switch {
	case h.Cancelled():
		_ = c.d.MarkJobTerminal(h.id, inst.id, db.JobCancelled, "", c.n)
		c.m.jobsTotal.WithLabelValues(string(db.JobCancelled)).Inc()
		return db.JobCancelled
	case timedOut:
		return c.failJob(h, inst, fmt.Sprintf("timed out after %s", timeout))
	case stepFailed:
		return c.failJob(h, inst, "step failed")
	default:
		_ = c.d.MarkJobTerminal(h.id, inst.id, db.JobSucceeded, "", c.n)
		c.m.jobsTotal.WithLabelValues(string(db.JobSucceeded)).Inc()
		return db.JobSucceeded
	}
}

func (c *Controller) failJob(h *runHandle, inst instance, msg string) db.JobStatus {
	_ = c.d.MarkJobTerminal(h.id, inst.id, db.JobFailed, msg, c.n)
	c.m.jobsTotal.WithLabelValues(string(db.JobFailed)).Inc()
	return db.JobFailed
}

// mergedEnv resolves the instance's base environment. Precedence,
// lowest to highest: builtins, workflow env, job env, matrix values,
// secrets. Step env is merged per step.
func (c *Controller) mergedEnv(h *runHandle, inst instance) map[string]string {
	env := map[string]string{
		"LOOM_RUN_ID":   h.id,
		"LOOM_WORKFLOW": h.def.Name,
		"LOOM_JOB":      inst.template.Name,
		"LOOM_INSTANCE": inst.id,
		"LOOM_EVENT":    string(h.ev.Kind),
		"LOOM_REPO":     h.ev.Repo,
		"LOOM_REF":      h.ev.Ref,
		"LOOM_SHA":      h.ev.Sha,
	}

	for k, v := range h.def.Env {
		env[k] = v
	}
	for k, v := range inst.template.Env {
		env[k] = v
	}
	for axis, value := range inst.combo.Values {
		env["MATRIX_"+sanitizeEnvKey(axis)] = value
	}

	unlocked, err := c.sec.GetSecretsUnlocked(h.ctx, secrets.Repo(h.ev.Repo))
	if err != nil {
		c.l.Error("failed to fetch secrets", "repo", h.ev.Repo, "err", err)
	}
	for _, s := range unlocked {
		env[s.Key] = s.Value
	}

	return env
}

// mergeEnv flattens base plus overrides into the runner's KEY=VALUE
// form, sorted for stable logs.
func mergeEnv(base, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func sanitizeEnvKey(k string) string {
	out := []byte(k)
	for i := range out {
		c := out[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
