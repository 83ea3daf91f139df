package runner

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Noop pretends every step succeeds instantly. Handy in dev mode
// and for exercising the controller without a docker daemon.
type Noop struct{}

func (Noop) SetupJob(ctx context.Context, runId, instance string) error { return nil }

func (Noop) RunStep(ctx context.Context, spec StepSpec, logw io.Writer) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	default:
	}

	if logw != nil {
		fmt.Fprintf(logw, "noop: %s\n", spec.Command)
	}
	return Outcome{ExitCode: 0, Duration: time.Millisecond}, nil
}

func (Noop) DestroyJob(ctx context.Context, runId, instance string) error { return nil }
