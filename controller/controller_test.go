package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomci/loom/artifact"
	"github.com/loomci/loom/config"
	"github.com/loomci/loom/db"
	"github.com/loomci/loom/event"
	"github.com/loomci/loom/notifier"
	"github.com/loomci/loom/publish"
	"github.com/loomci/loom/rbac"
	"github.com/loomci/loom/runner"
	"github.com/loomci/loom/secrets"
	"github.com/loomci/loom/workflow"
)

// fakeRunner scripts step outcomes off the command text: "fail"
// exits non-zero, "block" parks until released or the context dies,
// "stall" parks until released and ignores the context, anything
// else succeeds and fabricates the declared artifacts. A step in a
// matrix instance flagged MATRIX_MODE=fail also exits non-zero.
type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	release chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{})}
}

func (f *fakeRunner) SetupJob(ctx context.Context, runId, instance string) error   { return nil }
func (f *fakeRunner) DestroyJob(ctx context.Context, runId, instance string) error { return nil }

func (f *fakeRunner) RunStep(ctx context.Context, spec runner.StepSpec, logw io.Writer) (runner.Outcome, error) {
	f.mu.Lock()
	f.ran = append(f.ran, spec.Instance+":"+spec.Name)
	f.mu.Unlock()

	switch spec.Command {
	case "fail":
		return runner.Outcome{ExitCode: 1}, nil
	case "block":
		select {
		case <-ctx.Done():
			return runner.Outcome{}, ctx.Err()
		case <-f.release:
			return runner.Outcome{}, nil
		}
	case "stall":
		<-f.release
		return runner.Outcome{}, nil
	}

	if slices.Contains(spec.Env, "MATRIX_MODE=fail") {
		return runner.Outcome{ExitCode: 1}, nil
	}

	var produced []runner.Produced
	for _, a := range spec.Artifacts {
		produced = append(produced, runner.Produced{
			Name:   a.Name,
			Handle: artifact.Handle(fmt.Sprintf("h/%s/%s", spec.Instance, a.Name)),
		})
	}
	return runner.Outcome{ExitCode: 0, Duration: time.Millisecond, Artifacts: produced}, nil
}

func (f *fakeRunner) steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	aggs []publish.Aggregate
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, agg publish.Aggregate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aggs = append(p.aggs, agg)
	return p.err
}

func (p *recordingPublisher) published() []publish.Aggregate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publish.Aggregate(nil), p.aggs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	c   *Controller
	d   *db.DB
	r   *fakeRunner
	pub *recordingPublisher
}

func setup(t *testing.T, defs map[string]string) *fixture {
	t.Helper()

	dir := t.TempDir()
	for name, contents := range defs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644))
	}

	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	e, err := rbac.NewEnforcer(filepath.Join(t.TempDir(), "rbac.db"))
	require.NoError(t, err)
	require.NoError(t, e.Seed("alice"))

	sec, err := secrets.NewSQLiteManager(":memory:")
	require.NoError(t, err)

	ldr, err := workflow.NewLoader(dir)
	require.NoError(t, err)

	n := notifier.New()
	r := newFakeRunner()
	pub := &recordingPublisher{}

	cfg := &config.Config{}
	cfg.Server.Owner = "alice"
	cfg.Server.WorkflowDir = dir
	cfg.Server.LogDir = t.TempDir()
	cfg.Server.MaxQueueSize = 32
	cfg.Runner.MaxParallel = 4

	c := New(Deps{
		DB:       d,
		Logger:   testLogger(),
		Notifier: &n,
		Enforcer: e,
		Config:   cfg,
		Loader:   ldr,
		Runner:   r,
		Secrets:  sec,
		Pub:      pub,
	})
	c.Start()
	t.Cleanup(c.Stop)

	return &fixture{c: c, d: d, r: r, pub: pub}
}

func pushEvent(sha string) *event.Event {
	return &event.Event{
		Kind: event.KindPush,
		Repo: "loom",
		Ref:  "refs/heads/main",
		Sha:  sha,
		Time: time.Now().UTC(),
	}
}

func (f *fixture) waitTerminal(t *testing.T, runId string) db.Run {
	t.Helper()
	var run db.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = f.d.GetRun(runId)
		return err == nil && run.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return run
}

func (f *fixture) jobsByInstance(t *testing.T, runId string) map[string]db.Job {
	t.Helper()
	jobs, err := f.d.GetJobs(runId)
	require.NoError(t, err)
	m := make(map[string]db.Job, len(jobs))
	for _, j := range jobs {
		m[j.Instance] = j
	}
	return m
}

func TestMatrixRunAllInstancesSucceed(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
    branches: [main]
jobs:
  build:
    matrix:
      os: [linux, macos]
      arch: [amd64, arm64, riscv]
    steps:
      - name: compile
        command: make build
`,
	})

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("aaa"))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	run := f.waitTerminal(t, ids[0])
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.Empty(t, run.Error)

	jobs := f.jobsByInstance(t, ids[0])
	assert.Len(t, jobs, 6)
	for inst, j := range jobs {
		assert.Equal(t, db.JobSucceeded, j.Status, inst)
	}
	assert.Contains(t, jobs, "build/linux-amd64")
	assert.Contains(t, jobs, "build/macos-riscv")

	// every instance got its own step execution
	assert.Len(t, f.r.steps(), 6)
}

func TestDependentSkipsAndAlwaysRuns(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    steps:
      - name: compile
        command: fail
  test:
    needs: [build]
    steps:
      - name: unit
        command: go test
  cleanup:
    needs: [build]
    if: always()
    steps:
      - name: sweep
        command: make clean
`,
	})

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("bbb"))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	run := f.waitTerminal(t, ids[0])
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.NotEmpty(t, run.Error)

	jobs := f.jobsByInstance(t, ids[0])
	assert.Equal(t, db.JobFailed, jobs["build/default"].Status)
	assert.Equal(t, db.JobSkipped, jobs["test/default"].Status)
	assert.Equal(t, db.JobSucceeded, jobs["cleanup/default"].Status)

	// the skipped job must not have executed any step
	for _, ran := range f.r.steps() {
		assert.NotContains(t, ran, "test/default")
	}

	// but its steps are still reported, as skipped
	steps, err := f.d.GetSteps(ids[0], "test/default")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, db.StepSkipped, steps[0].Status)
}

func TestStepRunConditions(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    steps:
      - name: compile
        command: fail
      - name: package
        command: make package
      - name: report
        if: failure()
        command: make report
`,
	})

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("ccc"))
	require.NoError(t, err)

	f.waitTerminal(t, ids[0])

	jobs := f.jobsByInstance(t, ids[0])
	assert.Equal(t, db.JobFailed, jobs["build/default"].Status)

	steps, err := f.d.GetSteps(ids[0], "build/default")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, db.StepFailed, steps[0].Status)
	assert.Equal(t, db.StepSkipped, steps[1].Status)
	assert.Equal(t, db.StepSucceeded, steps[2].Status)

	ran := f.r.steps()
	assert.Contains(t, ran, "build/default:compile")
	assert.NotContains(t, ran, "build/default:package")
	assert.Contains(t, ran, "build/default:report")
}

func TestCancelInProgressSupersedes(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
concurrency:
  cancel-in-progress: true
jobs:
  build:
    steps:
      - name: compile
        command: block
`,
	})

	// same sha, same group
	first, err := f.c.SubmitRuns(context.Background(), pushEvent("ddd"))
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.Eventually(t, func() bool {
		run, err := f.d.GetRun(first[0])
		return err == nil && run.Status == db.RunRunning
	}, 5*time.Second, 10*time.Millisecond)

	second, err := f.c.SubmitRuns(context.Background(), pushEvent("ddd"))
	require.NoError(t, err)
	require.Len(t, second, 1)

	run1 := f.waitTerminal(t, first[0])
	assert.Equal(t, db.RunCancelled, run1.Status)

	// let the replacement finish
	close(f.r.release)
	run2 := f.waitTerminal(t, second[0])
	assert.Equal(t, db.RunCompleted, run2.Status)

	jobs := f.jobsByInstance(t, second[0])
	assert.Equal(t, db.JobSucceeded, jobs["build/default"].Status)
}

func TestGroupQueuesFIFO(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    steps:
      - name: compile
        command: block
`,
	})

	first, err := f.c.SubmitRuns(context.Background(), pushEvent("eee"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := f.d.GetRun(first[0])
		return err == nil && run.Status == db.RunRunning
	}, 5*time.Second, 10*time.Millisecond)

	second, err := f.c.SubmitRuns(context.Background(), pushEvent("eee"))
	require.NoError(t, err)

	// the second run must hold in queued while the first executes
	time.Sleep(100 * time.Millisecond)
	run2, err := f.d.GetRun(second[0])
	require.NoError(t, err)
	assert.Equal(t, db.RunQueued, run2.Status)

	close(f.r.release)

	assert.Equal(t, db.RunCompleted, f.waitTerminal(t, first[0]).Status)
	assert.Equal(t, db.RunCompleted, f.waitTerminal(t, second[0]).Status)
}

func TestCancelQueuedRun(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    steps:
      - name: compile
        command: block
`,
	})

	first, err := f.c.SubmitRuns(context.Background(), pushEvent("fff"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, err := f.d.GetRun(first[0])
		return err == nil && run.Status == db.RunRunning
	}, 5*time.Second, 10*time.Millisecond)

	second, err := f.c.SubmitRuns(context.Background(), pushEvent("fff"))
	require.NoError(t, err)

	require.NoError(t, f.c.CancelRun(second[0]))
	run2 := f.waitTerminal(t, second[0])
	assert.Equal(t, db.RunCancelled, run2.Status)

	close(f.r.release)
	assert.Equal(t, db.RunCompleted, f.waitTerminal(t, first[0]).Status)
}

func TestCancelMarksRemainingStepsCancelled(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    steps:
      - name: hold
        command: block
      - name: package
        command: make package
      - name: sweep
        if: always()
        command: make clean
`,
	})

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("kkk"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return slices.Contains(f.r.steps(), "build/default:hold")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.c.CancelRun(ids[0]))

	run := f.waitTerminal(t, ids[0])
	assert.Equal(t, db.RunCancelled, run.Status)

	require.Eventually(t, func() bool {
		jobs := f.jobsByInstance(t, ids[0])
		return jobs["build/default"].Status == db.JobCancelled
	}, 5*time.Second, 10*time.Millisecond)

	// nothing after the interrupted step starts, not even always()
	steps, err := f.d.GetSteps(ids[0], "build/default")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, db.StepCancelled, steps[0].Status)
	assert.Equal(t, db.StepCancelled, steps[1].Status)
	assert.Equal(t, db.StepCancelled, steps[2].Status)

	ran := f.r.steps()
	assert.NotContains(t, ran, "build/default:package")
	assert.NotContains(t, ran, "build/default:sweep")
}

func TestCancelActiveRunPromotesWaiter(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    steps:
      - name: compile
        command: block
`,
	})

	first, err := f.c.SubmitRuns(context.Background(), pushEvent("lll"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, err := f.d.GetRun(first[0])
		return err == nil && run.Status == db.RunRunning
	}, 5*time.Second, 10*time.Millisecond)

	second, err := f.c.SubmitRuns(context.Background(), pushEvent("lll"))
	require.NoError(t, err)

	// cancelling the holder aborts its step and hands the group over
	require.NoError(t, f.c.CancelRun(first[0]))
	assert.Equal(t, db.RunCancelled, f.waitTerminal(t, first[0]).Status)

	require.Eventually(t, func() bool {
		run, err := f.d.GetRun(second[0])
		return err == nil && run.Status == db.RunRunning
	}, 5*time.Second, 10*time.Millisecond)

	close(f.r.release)
	assert.Equal(t, db.RunCompleted, f.waitTerminal(t, second[0]).Status)
}

func TestCancelledRunGoesTerminalBeforeDrain(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    steps:
      - name: hold
        command: stall
`,
	})

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("mmm"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return slices.Contains(f.r.steps(), "build/default:hold")
	}, 5*time.Second, 10*time.Millisecond)

	// the step ignores its context, so the scheduler cannot drain yet;
	// the row must still read cancelled immediately
	require.NoError(t, f.c.CancelRun(ids[0]))
	run, err := f.d.GetRun(ids[0])
	require.NoError(t, err)
	assert.Equal(t, db.RunCancelled, run.Status)

	close(f.r.release)
	run = f.waitTerminal(t, ids[0])
	assert.Equal(t, db.RunCancelled, run.Status)

	require.Eventually(t, func() bool {
		jobs := f.jobsByInstance(t, ids[0])
		return jobs["build/default"].Status == db.JobCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPublishAggregatesMatchingArtifacts(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    matrix:
      os: [linux, macos]
    steps:
      - name: compile
        command: make build
        artifacts:
          - name: app.tar.gz
            path: dist/app.tar.gz
          - name: build.log
            path: out/build.log
publish:
  needs: [build]
  artifacts: ["*.tar.gz"]
`,
	})

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("ggg"))
	require.NoError(t, err)

	run := f.waitTerminal(t, ids[0])
	assert.Equal(t, db.RunCompleted, run.Status)

	require.Eventually(t, func() bool {
		return len(f.pub.published()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	agg := f.pub.published()[0]
	assert.Equal(t, ids[0], agg.RunId)
	assert.Equal(t, "ci", agg.Workflow)
	assert.Len(t, agg.Jobs, 2)

	// only the tarballs match the glob, one per matrix point
	require.Len(t, agg.Items, 2)
	instances := map[string]bool{}
	for _, item := range agg.Items {
		assert.Equal(t, "app.tar.gz", item.Name)
		instances[item.Instance] = true
	}
	assert.True(t, instances["build/linux"])
	assert.True(t, instances["build/macos"])
}

func TestPublishPartialResults(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    matrix:
      mode: [ok, fail]
    steps:
      - name: compile
        command: make build
        artifacts:
          - name: bin
            path: out/bin
publish:
  needs: [build]
`,
	})

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("nnn"))
	require.NoError(t, err)

	run := f.waitTerminal(t, ids[0])
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.NotEmpty(t, run.Error)

	require.Eventually(t, func() bool {
		return len(f.pub.published()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// the aggregate still goes out, carrying the mixed outcomes
	agg := f.pub.published()[0]
	assert.Equal(t, string(db.JobSucceeded), agg.Jobs["build/ok"])
	assert.Equal(t, string(db.JobFailed), agg.Jobs["build/fail"])

	require.Len(t, agg.Items, 1)
	assert.Equal(t, "bin", agg.Items[0].Name)
	assert.Equal(t, "build/ok", agg.Items[0].Instance)
}

func TestPublisherFailureDoesNotTouchStatuses(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  build:
    steps:
      - name: compile
        command: make build
        artifacts:
          - name: bin
            path: out/bin
publish:
  needs: [build]
`,
	})
	f.pub.err = fmt.Errorf("result service down")

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("hhh"))
	require.NoError(t, err)

	run := f.waitTerminal(t, ids[0])
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.Empty(t, run.Error)

	jobs := f.jobsByInstance(t, ids[0])
	assert.Equal(t, db.JobSucceeded, jobs["build/default"].Status)
}

func TestNoMatchingTriggerNoRun(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
    branches: [release/*]
jobs:
  build:
    steps:
      - name: compile
        command: make build
`,
	})

	ids, err := f.c.SubmitRuns(context.Background(), pushEvent("iii"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSecretsInjectedIntoEnv(t *testing.T) {
	f := setup(t, map[string]string{
		"ci.yml": `
name: ci
on:
  push:
jobs:
  deploy:
    steps:
      - name: push
        command: make deploy
`,
	})

	err := f.c.sec.AddSecret(context.Background(), secrets.UnlockedSecret{
		Key:   "DEPLOY_TOKEN",
		Value: "hunter2",
		Repo:  "loom",
	})
	require.NoError(t, err)

	h := &runHandle{
		id:  "r1",
		def: &workflow.Definition{Name: "ci", Env: map[string]string{"CI": "true"}},
		ev:  pushEvent("jjj"),
		ctx: context.Background(),
	}
	tmpl := &workflow.JobTemplate{Name: "deploy", Env: map[string]string{"STAGE": "prod"}}
	env := f.c.mergedEnv(h, instance{
		template: tmpl,
		combo:    workflow.Combination{ID: "default", Values: map[string]string{"os": "linux"}},
		id:       "deploy/default",
	})

	assert.Equal(t, "hunter2", env["DEPLOY_TOKEN"])
	assert.Equal(t, "true", env["CI"])
	assert.Equal(t, "prod", env["STAGE"])
	assert.Equal(t, "linux", env["MATRIX_OS"])
	assert.Equal(t, "r1", env["LOOM_RUN_ID"])
}

func TestGroupTable(t *testing.T) {
	gt := newGroupTable()

	started := false
	startNow, displaced := gt.Acquire("g", "r1", false, nil)
	assert.True(t, startNow)
	assert.Empty(t, displaced)

	startNow, displaced = gt.Acquire("g", "r2", false, func() { started = true })
	assert.False(t, startNow)
	assert.Empty(t, displaced)
	assert.Equal(t, 1, gt.Waiting("g"))

	promoted := gt.Release("g", "r1")
	require.NotNil(t, promoted)
	promoted()
	assert.True(t, started)

	// r2 done, group empty again
	assert.Nil(t, gt.Release("g", "r2"))
	assert.Equal(t, 0, gt.Waiting("g"))
}

func TestGroupTableCancelInProgress(t *testing.T) {
	gt := newGroupTable()

	gt.Acquire("g", "r1", true, nil)
	startNow, displaced := gt.Acquire("g", "r2", true, nil)
	assert.True(t, startNow)
	assert.Equal(t, []string{"r1"}, displaced)

	// the displaced run's release must not clobber the new holder
	assert.Nil(t, gt.Release("g", "r1"))

	startNow, displaced = gt.Acquire("g", "r3", true, nil)
	assert.True(t, startNow)
	assert.Equal(t, []string{"r2"}, displaced)

	// a takeover displaces waiters too, and they leave the line
	// through their own cancellation
	gt.Acquire("h", "w1", false, nil)
	gt.Acquire("h", "w2", false, func() {})
	_, displaced = gt.Acquire("h", "w3", true, nil)
	assert.ElementsMatch(t, []string{"w1", "w2"}, displaced)
	assert.True(t, gt.Leave("h", "w2"))
}

func TestGroupTableLeave(t *testing.T) {
	gt := newGroupTable()

	gt.Acquire("g", "r1", false, nil)
	gt.Acquire("g", "r2", false, func() {})

	// the holder is not waiting, only queued runs can leave the line
	assert.False(t, gt.Leave("g", "r1"))
	assert.True(t, gt.Leave("g", "r2"))
	assert.False(t, gt.Leave("g", "r2"))
	assert.Equal(t, 0, gt.Waiting("g"))

	// with the line empty the holder's release clears the group
	assert.Nil(t, gt.Release("g", "r1"))
	assert.False(t, gt.Leave("g", "r1"))
}

func TestMergeEnvPrecedence(t *testing.T) {
	out := mergeEnv(
		map[string]string{"A": "base", "B": "base"},
		map[string]string{"B": "override", "C": "new"},
	)
	assert.Equal(t, []string{"A=base", "B=override", "C=new"}, out)
}
