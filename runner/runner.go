// Package runner is the boundary to the external action toolchain:
// the step executor hands it a resolved step and gets back an
// outcome. Runners know nothing about matrices, conditions, or
// scheduling.
package runner

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/loomci/loom/artifact"
	"github.com/loomci/loom/workflow"
)

var (
	ErrOOMKilled = errors.New("oom killed")
	ErrTimedOut  = errors.New("timed out")
)

// StepSpec is one step, fully resolved: the env merge and condition
// evaluation already happened upstream.
type StepSpec struct {
	RunId    string
	Instance string
	Name     string
	Command  string
	Env      []string
	// files to collect from the workspace once the step finishes
	Artifacts []workflow.ArtifactSpec
}

type Produced struct {
	Name   string
	Handle artifact.Handle
}

// Outcome reports what the external action did. A non-zero exit is
// not an error at this boundary; transport failures are.
type Outcome struct {
	ExitCode  int
	Duration  time.Duration
	Artifacts []Produced
}

type Runner interface {
	// SetupJob provisions per-instance resources (workspace,
	// network) shared by the instance's steps.
	SetupJob(ctx context.Context, runId, instance string) error
	// RunStep executes one step, streaming its output into logw.
	RunStep(ctx context.Context, spec StepSpec, logw io.Writer) (Outcome, error)
	DestroyJob(ctx context.Context, runId, instance string) error
}
