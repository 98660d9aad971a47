package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	content := `
name: basic
description: "Append then fork"
project: /work/app
steps:
  - op: append
    session: A
    content: "hello"
    count: 2
    expect: { len: 2 }
  - op: fork
    session: A
    at: 1
    as: B
assertions:
  - type: op_count
    op: fork
    count: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "basic", scenario.Name)
	assert.Equal(t, "/work/app", scenario.Project)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, OpAppend, scenario.Steps[0].Op)
	assert.Equal(t, 2, scenario.Steps[0].Count)
	require.NotNil(t, scenario.Steps[0].Expect)
	require.NotNil(t, scenario.Steps[0].Expect.Len)
	assert.Equal(t, 2, *scenario.Steps[0].Expect.Len)
	assert.Nil(t, scenario.Steps[0].Expect.ContextLen)
	assert.Equal(t, "B", scenario.Steps[1].As)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_DefaultProject(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: p
description: d
steps:
  - op: cleanup
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultProject, s.Project)
}

func TestParseScenario_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			yaml:    "name: [unclosed",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown field",
			yaml:    "name: n\ndescription: d\nstepz: []\n",
			wantErr: "field stepz not found",
		},
		{
			name:    "missing name",
			yaml:    "description: d\nsteps:\n  - op: cleanup\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nsteps:\n  - op: cleanup\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\n",
			wantErr: "steps list is required",
		},
		{
			name:    "unknown op",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: explode\n",
			wantErr: `unknown op "explode"`,
		},
		{
			name:    "missing op",
			yaml:    "name: n\ndescription: d\nsteps:\n  - session: A\n",
			wantErr: "op is required",
		},
		{
			name:    "append without content",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: append\n    session: A\n",
			wantErr: "content is required for append",
		},
		{
			name:    "invalid role",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: append\n    session: A\n    content: x\n    role: robot\n",
			wantErr: `invalid role "robot"`,
		},
		{
			name:    "merge without source",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: merge\n    session: A\n",
			wantErr: "source is required for merge",
		},
		{
			name:    "rename without name",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: rename\n    session: A\n",
			wantErr: "name is required for rename",
		},
		{
			name:    "unknown error code",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: load\n    session: A\n    expect: { error: BOOM }\n",
			wantErr: `unknown error code "BOOM"`,
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: cleanup\nassertions:\n  - type: vibes\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "op_count without op",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: cleanup\nassertions:\n  - type: op_count\n    count: 1\n",
			wantErr: "op is required for op_count",
		},
		{
			name:    "op_order without ops",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: cleanup\nassertions:\n  - type: op_order\n",
			wantErr: "ops list is required",
		},
		{
			name:    "final_state without expect",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: cleanup\nassertions:\n  - type: final_state\n    table: sessions\n",
			wantErr: "expect is required for final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_TestdataScenariosParse(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err, path)
		assert.Equal(t, filepath.Base(path), s.Name+".yaml", "scenario name should match its file")
	}
}
