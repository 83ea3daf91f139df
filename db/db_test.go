package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomci/loom/event"
	"github.com/loomci/loom/notifier"
)

func testDB(t *testing.T) (*DB, *notifier.Notifier) {
	t.Helper()
	d, err := Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	n := notifier.New()
	return d, &n
}

func testRun(id, group string) Run {
	return Run{
		Id:       id,
		Workflow: "ci",
		GroupKey: group,
		Event:    event.Event{Kind: event.KindPush, Ref: "refs/heads/main", Sha: "abc"},
		Status:   RunQueued,
	}
}

func TestRunLifecycle(t *testing.T) {
	d, n := testDB(t)

	require.NoError(t, d.CreateRun(testRun("r1", "ci-abc-false"), n))

	r, err := d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunQueued, r.Status)
	assert.Equal(t, event.KindPush, r.Event.Kind)
	assert.Nil(t, r.FinishedAt)

	require.NoError(t, d.MarkRunRunning("r1", n))
	r, err = d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, r.Status)

	require.NoError(t, d.MarkRunCompleted("r1", "", n))
	r, err = d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, r.Status)
	assert.NotNil(t, r.FinishedAt)
	assert.True(t, r.Status.Terminal())
}

func TestNonTerminalRunsInGroup(t *testing.T) {
	d, n := testDB(t)

	require.NoError(t, d.CreateRun(testRun("r1", "g1"), n))
	require.NoError(t, d.CreateRun(testRun("r2", "g1"), n))
	require.NoError(t, d.CreateRun(testRun("r3", "g2"), n))
	require.NoError(t, d.MarkRunCancelled("r1", n))

	runs, err := d.NonTerminalRunsInGroup("g1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].Id)
}

func TestCancelledRunStaysCancelled(t *testing.T) {
	d, n := testDB(t)

	require.NoError(t, d.CreateRun(testRun("r1", "g1"), n))
	require.NoError(t, d.MarkRunCancelled("r1", n))

	// a promotion racing the cancel must not resurrect the row
	require.NoError(t, d.MarkRunRunning("r1", n))
	r, err := d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, r.Status)

	// the drain's second mark records nothing new
	require.NoError(t, d.MarkRunCancelled("r1", n))
	events, err := d.GetRunEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "queued", events[0].Status)
	assert.Equal(t, "cancelled", events[1].Status)
}

func TestJobAndStepLifecycle(t *testing.T) {
	d, n := testDB(t)
	require.NoError(t, d.CreateRun(testRun("r1", "g1"), n))

	jobs := []Job{
		{RunId: "r1", Template: "test", Instance: "test/ubuntu", Matrix: map[string]string{"os": "ubuntu"}},
		{RunId: "r1", Template: "test", Instance: "test/windows", Matrix: map[string]string{"os": "windows"}},
	}
	require.NoError(t, d.CreateJobs(jobs, n))

	require.NoError(t, d.CreateSteps([]Step{
		{RunId: "r1", Instance: "test/ubuntu", Idx: 0, Name: "checkout"},
		{RunId: "r1", Instance: "test/ubuntu", Idx: 1, Name: "test"},
	}))

	require.NoError(t, d.MarkJobRunning("r1", "test/ubuntu", n))
	require.NoError(t, d.MarkStepRunning("r1", "test/ubuntu", 0, n))
	require.NoError(t, d.MarkStepDone("r1", "test/ubuntu", 0, StepSucceeded, 0, 1500*time.Millisecond, n))
	require.NoError(t, d.MarkJobTerminal("r1", "test/ubuntu", JobFailed, "step test failed", n))

	got, err := d.GetJobs("r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, JobFailed, got[0].Status)
	assert.Equal(t, "step test failed", got[0].Error)
	assert.Equal(t, map[string]string{"os": "ubuntu"}, got[0].Matrix)
	assert.Equal(t, JobPending, got[1].Status)

	steps, err := d.GetSteps("r1", "test/ubuntu")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StepSucceeded, steps[0].Status)
	assert.Equal(t, 1500*time.Millisecond, steps[0].Duration)
	assert.Equal(t, StepPending, steps[1].Status)
}

func TestArtifacts(t *testing.T) {
	d, n := testDB(t)
	require.NoError(t, d.CreateRun(testRun("r1", "g1"), n))

	require.NoError(t, d.AddArtifact(Artifact{
		RunId: "r1", Instance: "test/ubuntu", Name: "results", Handle: "h1",
	}))
	require.NoError(t, d.AddArtifact(Artifact{
		RunId: "r1", Instance: "test/windows", Name: "results", Handle: "h2",
	}))

	artifacts, err := d.GetArtifacts("r1")
	require.NoError(t, err)
	require.Len(t, artifacts, 2, "same logical name stays distinguishable by instance")
	assert.NotEqual(t, artifacts[0].Instance, artifacts[1].Instance)
}

func TestRunEventsJournal(t *testing.T) {
	d, n := testDB(t)

	require.NoError(t, d.CreateRun(testRun("r1", "g1"), n))
	require.NoError(t, d.MarkRunRunning("r1", n))
	require.NoError(t, d.MarkRunCompleted("r1", "", n))

	events, err := d.GetRunEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "queued", events[0].Status)
	assert.Equal(t, "running", events[1].Status)
	assert.Equal(t, "completed", events[2].Status)

	// cursor resumes after the last seen frame
	tail, err := d.GetRunEvents(events[1].Id)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "completed", tail[0].Status)
}

func TestCursors(t *testing.T) {
	d, _ := testDB(t)

	c, err := d.GetCursor("upstream")
	require.NoError(t, err)
	assert.Zero(t, c)

	require.NoError(t, d.SetCursor("upstream", 42))
	require.NoError(t, d.SetCursor("upstream", 43))

	c, err = d.GetCursor("upstream")
	require.NoError(t, err)
	assert.EqualValues(t, 43, c)
}
