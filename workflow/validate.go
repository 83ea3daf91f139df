package workflow

import (
	"fmt"
	"time"
)

// Validate checks a parsed definition and fills in the derived
// fields (parsed conditions, cron specs, timeouts). A definition
// whose diagnostics carry errors must be discarded.
func (d *Definition) Validate() Diagnostics {
	var diag Diagnostics
	path := d.Path

	d.On.validate(&diag, path)
	if d.On.Empty() {
		diag.AddWarning(path, NothingToRun, "definition has no triggers")
	}

	if len(d.Jobs) == 0 {
		diag.AddWarning(path, NothingToRun, "definition has no jobs")
	}

	for _, job := range d.Jobs {
		d.validateJob(&diag, job)
	}

	if g, err := BuildGraph(d.Jobs); err != nil {
		diag.AddError(path, err)
	} else if err := g.DetectCycle(); err != nil {
		diag.AddError(path, err)
	}

	if d.Publish != nil {
		if len(d.Publish.Needs) == 0 {
			diag.AddError(path, fmt.Errorf("publish block declares no needs"))
		}
		for _, need := range d.Publish.Needs {
			if d.Job(need) == nil {
				diag.AddError(path, fmt.Errorf("publish needs unknown job %q", need))
			}
		}
		if len(d.Publish.Artifacts) == 0 {
			diag.AddWarning(path, InvalidConfiguration, "publish block gathers no artifacts")
		}
	}

	return diag
}

func (d *Definition) validateJob(diag *Diagnostics, job *JobTemplate) {
	path := fmt.Sprintf("%s: job %q", d.Path, job.Name)

	cond, err := ParseCond(job.If)
	if err != nil {
		diag.AddError(path, fmt.Errorf("condition: %w", err))
	}
	job.Cond = cond

	job.TimeoutDuration = DefaultJobTimeout
	if job.Timeout != "" {
		t, err := time.ParseDuration(job.Timeout)
		if err != nil {
			diag.AddError(path, fmt.Errorf("timeout: %w", err))
		} else {
			job.TimeoutDuration = t
		}
	}

	if job.Matrix != nil {
		job.Matrix.validate(diag, path)
	}

	if len(job.Steps) == 0 {
		diag.AddWarning(path, NothingToRun, "job has no steps")
	}

	for i := range job.Steps {
		step := &job.Steps[i]
		if step.Command == "" {
			diag.AddError(path, fmt.Errorf("step %q has no command", step.Name))
		}

		cond, err := ParseCond(step.If)
		if err != nil {
			diag.AddError(path, fmt.Errorf("step %q condition: %w", step.Name, err))
		}
		step.Cond = cond

		for _, a := range step.Artifacts {
			if a.Name == "" || a.Path == "" {
				diag.AddError(path, fmt.Errorf("step %q: artifact needs both name and path", step.Name))
			}
		}
	}
}
