package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/convo/internal/store"
)

func intp(n int) *int { return &n }

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRun_TestdataScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, driver := range []string{store.DriverCGO, store.DriverPure} {
		for _, path := range paths {
			t.Run(driver+"/"+filepath.Base(path), func(t *testing.T) {
				scenario, err := LoadScenario(path)
				require.NoError(t, err)

				result, err := Run(context.Background(), scenario, WithDriver(driver))
				require.NoError(t, err)
				assert.True(t, result.Pass, "errors: %v", result.Errors)
				assert.Len(t, result.Trace, len(scenario.Steps))
			})
		}
	}
}

func TestRun_TraceUsesAliases(t *testing.T) {
	s := mustParse(t, `
name: aliases
description: d
steps:
  - op: append
    session: A
    content: "x"
  - op: fork
    session: A
    at: 1
    as: B
  - op: cleanup
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	want := []TraceEvent{
		{Step: 0, Op: OpAppend, Session: "A", Outcome: "ok", Len: intp(1), ContextLen: intp(1), Messages: 1},
		{Step: 1, Op: OpFork, Session: "B", Outcome: "ok", Len: intp(1), ContextLen: intp(1), Messages: 1},
		{Step: 2, Op: OpCleanup, Outcome: "ok", Removed: intp(0), Messages: 1},
	}
	if diff := cmp.Diff(want, result.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/compaction.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	a, err := MarshalSnapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_FreshStorePerRun(t *testing.T) {
	s := mustParse(t, `
name: fresh
description: d
steps:
  - op: append
    session: A
    content: "x"
    expect: { len: 1, messages: 1 }
`)
	for i := 0; i < 2; i++ {
		result, err := Run(context.Background(), s)
		require.NoError(t, err)
		assert.True(t, result.Pass, "run %d errors: %v", i, result.Errors)
	}
}

func TestRun_CreateAndRename(t *testing.T) {
	s := mustParse(t, `
name: create
description: d
steps:
  - op: create
    session: A
    name: "planning"
    expect: { len: 0, context_len: 0, messages: 0 }
  - op: create
    session: A
    name: "ignored"
  - op: rename
    session: A
    name: "renamed"
assertions:
  - type: final_state
    table: sessions
    session: A
    expect: { name: "renamed", project: "/scenario" }
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ExpectationFailuresAreReported(t *testing.T) {
	s := mustParse(t, `
name: failing
description: d
steps:
  - op: append
    session: A
    content: "x"
    expect: { len: 2 }
  - op: load
    session: A
    expect: { error: NOT_FOUND }
  - op: fork
    session: A
    at: 9
  - op: cleanup
    expect: { removed: 1 }
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "step 0 (append): expected len 2, got 1")
	assert.Contains(t, result.Errors[1], "step 1 (load): expected error NOT_FOUND, got ok")
	assert.Contains(t, result.Errors[2], "step 2 (fork): unexpected error")
	assert.Contains(t, result.Errors[3], "step 3 (cleanup): expected removed 1, got 0")

	// Failed steps are still traced.
	require.Len(t, result.Trace, 4)
	assert.Equal(t, "INVALID_RANGE", result.Trace[2].Outcome)
	assert.Nil(t, result.Trace[2].Len)
}

func TestRun_UnobservedExpectation(t *testing.T) {
	s := mustParse(t, `
name: unobserved
description: d
steps:
  - op: cleanup
    expect: { len: 1 }
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected len 1, not observed")
}

func TestRun_LoadMissingSession(t *testing.T) {
	s := mustParse(t, `
name: missing
description: d
steps:
  - op: load
    session: ghost
    expect: { error: NOT_FOUND }
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "NOT_FOUND", result.Trace[0].Outcome)
}

func TestRun_LogsSteps(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := mustParse(t, `
name: logged
description: d
steps:
  - op: append
    session: A
    content: "x"
`)
	_, err := Run(context.Background(), s, WithLogger(zap.New(core)))
	require.NoError(t, err)

	entries := logs.FilterMessage("scenario step completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, OpAppend, entries[0].ContextMap()["op"])
	assert.Equal(t, "ok", entries[0].ContextMap()["outcome"])
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

func TestResult_AddTrace(t *testing.T) {
	r := NewResult()
	r.AddTrace(TraceEvent{Step: 0, Op: OpLoad, Outcome: "ok"})
	r.AddTrace(TraceEvent{Step: 1, Op: OpCleanup, Outcome: "ok"})
	require.Len(t, r.Trace, 2)
	assert.Equal(t, OpCleanup, r.Trace[1].Op)
	assert.True(t, r.Pass)
}
