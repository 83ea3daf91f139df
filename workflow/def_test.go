package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalDefinition(t *testing.T) {
	yamlData := `
name: ci
on:
  push:
    branches: ["main", "rel-*"]
  pull_request: true
  manual: true
concurrency:
  cancel-in-progress: true
jobs:
  test:
    matrix:
      os: [ubuntu, windows]
      py: [3.9, "3.10"]
    steps:
      - name: run tests
        command: pytest
  publish:
    needs: test
    if: always()
    steps:
      - name: upload
        command: upload-results
`

	def, err := FromFile("ci.yml", []byte(yamlData))
	require.NoError(t, err, "YAML should unmarshal without error")

	assert.Equal(t, "ci", def.Name)
	assert.True(t, def.Concurrency.CancelInProgress)
	assert.True(t, def.On.Manual)
	assert.NotNil(t, def.On.PullRequest)
	require.NotNil(t, def.On.Push)
	assert.ElementsMatch(t, []string{"main", "rel-*"}, def.On.Push.Branches)

	require.Len(t, def.Jobs, 2)
	assert.Equal(t, "test", def.Jobs[0].Name, "jobs keep declaration order")
	assert.Equal(t, "publish", def.Jobs[1].Name)

	require.NotNil(t, def.Jobs[0].Matrix)
	require.Len(t, def.Jobs[0].Matrix.Axes, 2)
	assert.Equal(t, "os", def.Jobs[0].Matrix.Axes[0].Name)
	assert.Equal(t, []string{"3.9", "3.10"}, def.Jobs[0].Matrix.Axes[1].Values,
		"numeric scalars keep their literal form")

	assert.ElementsMatch(t, []string{"test"}, def.Jobs[1].Needs)
	assert.Equal(t, "always()", def.Jobs[1].If)
}

func TestUnmarshalSchedule(t *testing.T) {
	yamlData := `
on:
  schedule:
    - cron: "0 0 * * 1"
    - cron: "30 12 * * *"
jobs:
  nightly:
    steps:
      - command: make nightly
`

	def, err := FromFile("nightly.yml", []byte(yamlData))
	require.NoError(t, err)

	require.Len(t, def.On.Schedule, 2)
	assert.Equal(t, "0 0 * * 1", def.On.Schedule[0].Cron)

	diag := def.Validate()
	assert.False(t, diag.IsErr(), diag.String())
}

func TestUnmarshalUnknownTrigger(t *testing.T) {
	yamlData := `
on:
  release: true
jobs:
  x:
    steps:
      - command: true
`

	_, err := FromFile("x.yml", []byte(yamlData))
	assert.Error(t, err)
}

func TestDefinitionNameDefaultsToPath(t *testing.T) {
	def, err := FromFile("docs.yml", []byte("on:\n  manual: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "docs.yml", def.Name)
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown needs",
			yaml: `
jobs:
  b:
    needs: a
    steps:
      - command: true
`,
		},
		{
			name: "dependency cycle",
			yaml: `
jobs:
  a:
    needs: b
    steps:
      - command: true
  b:
    needs: a
    steps:
      - command: true
`,
		},
		{
			name: "empty axis",
			yaml: `
jobs:
  a:
    matrix:
      os: []
    steps:
      - command: true
`,
		},
		{
			name: "malformed cron",
			yaml: `
on:
  schedule:
    - cron: "99 0 * * *"
jobs:
  a:
    steps:
      - command: true
`,
		},
		{
			name: "malformed condition",
			yaml: `
jobs:
  a:
    if: "sometimes()"
    steps:
      - command: true
`,
		},
		{
			name: "step without command",
			yaml: `
jobs:
  a:
    steps:
      - name: no command here
`,
		},
		{
			name: "publish needs unknown job",
			yaml: `
jobs:
  a:
    steps:
      - command: true
publish:
  needs: [b]
  artifacts: ["*"]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := FromFile("bad.yml", []byte(tt.yaml))
			require.NoError(t, err)

			diag := def.Validate()
			assert.True(t, diag.IsErr(), "expected a load-time error")
		})
	}
}

func TestValidateFillsDerivedFields(t *testing.T) {
	yamlData := `
jobs:
  a:
    timeout: 10m
    steps:
      - command: true
        if: failure()
`

	def, err := FromFile("a.yml", []byte(yamlData))
	require.NoError(t, err)

	diag := def.Validate()
	require.False(t, diag.IsErr(), diag.String())

	job := def.Job("a")
	require.NotNil(t, job)
	assert.Equal(t, "10m0s", job.TimeoutDuration.String())
	require.NotNil(t, job.Cond)
	assert.True(t, job.Cond.Eval(CondContext{}), "default job condition is success()")
	require.NotNil(t, job.Steps[0].Cond)
	assert.True(t, job.Steps[0].Cond.Eval(CondContext{Failed: true}))
}
