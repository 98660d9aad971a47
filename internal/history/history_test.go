package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/convo/internal/ir"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h, err := Open(path)
	require.NoError(t, err)
	return h, path
}

func appendAll(t *testing.T, h *Log, project string, texts ...string) {
	t.Helper()
	for _, text := range texts {
		_, err := h.Append(text, "s1", project, base.Add(time.Duration(h.Len())*time.Second))
		require.NoError(t, err)
	}
}

func display(entries []ir.HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Display
	}
	return out
}

func TestAppend_PersistsAcrossReopen(t *testing.T) {
	h, path := openTestLog(t)
	appendAll(t, h, "/a", "first", "second")

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, display(reopened.Entries("", 0)))

	e := reopened.Entries("", 1)[0]
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "/a", e.Project)
	assert.True(t, e.Timestamp.Equal(base.Add(time.Second)))
}

func TestAppend_EmptyRejected(t *testing.T) {
	h, _ := openTestLog(t)
	_, err := h.Append("  \n", "s1", "/a", base)
	assert.True(t, ir.IsEmptyMessage(err))
	assert.Zero(t, h.Len())
}

func TestAppend_OversizedRejected(t *testing.T) {
	h, path := openTestLog(t)
	appendAll(t, h, "/a", "small")

	_, err := h.Append(strings.Repeat("x", 2*MaxEntryBytes), "s1", "/a", base.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, ir.IsInvalidRange(err))
	assert.Equal(t, 1, h.Len())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"small"}, display(reopened.Entries("", 0)))
}

func TestLoad_SkipsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	big := `{"display":"` + strings.Repeat("x", 2*MaxEntryBytes) + `","timestamp":"2026-01-01T00:00:00Z"}`
	content := big + "\n" +
		`{"display":"after","timestamp":"2026-01-01T00:00:01Z","project":"/a","session_id":"s"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	h, err := Open(path, WithLogger(zap.New(core)))
	require.NoError(t, err)

	assert.Equal(t, []string{"after"}, display(h.Entries("", 0)))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "skipping oversized history entry", logs.All()[0].Message)
	assert.Equal(t, int64(1), logs.All()[0].ContextMap()["line"])
}

func TestAppend_OlderTimestampOrdered(t *testing.T) {
	h, _ := openTestLog(t)
	_, err := h.Append("late", "s", "/a", base.Add(time.Hour))
	require.NoError(t, err)
	_, err = h.Append("early", "s", "/a", base)
	require.NoError(t, err)
	assert.Equal(t, []string{"late", "early"}, display(h.Entries("", 0)))
}

func TestLoad_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	content := `{"display":"good one","timestamp":"2026-01-01T00:00:00Z","project":"/a","session_id":"s"}
not json at all

{"display":"good two","timestamp":"2026-01-01T00:00:01Z","project":"/a","session_id":"s"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	h, err := Open(path, WithLogger(zap.New(core)))
	require.NoError(t, err)

	assert.Equal(t, []string{"good two", "good one"}, display(h.Entries("", 0)))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "skipping malformed history entry", logs.All()[0].Message)
}

func TestLoad_TrailingPartialLine(t *testing.T) {
	h, path := openTestLog(t)
	appendAll(t, h, "/a", "complete")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"display":"torn wri`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())

	_, err = reopened.Append("after crash", "s1", "/a", base.Add(time.Minute))
	require.NoError(t, err)

	again, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"after crash", "complete"}, display(again.Entries("", 0)))
}

func TestLog_NoRotation(t *testing.T) {
	h, path := openTestLog(t)
	for i := 0; i < 500; i++ {
		_, err := h.Append("command", "s", "/a", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 500, strings.Count(string(data), "\n"))

	matches, err := filepath.Glob(path + "*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEntries_ProjectAndLimit(t *testing.T) {
	h, _ := openTestLog(t)
	appendAll(t, h, "/a", "a1")
	appendAll(t, h, "/b", "b1")
	appendAll(t, h, "/a", "a2", "a3")

	assert.Equal(t, []string{"a3", "a2", "a1"}, display(h.Entries("/a", 0)))
	assert.Equal(t, []string{"a3", "a2"}, display(h.Entries("/a", 2)))
	assert.Equal(t, []string{"b1"}, display(h.Entries("/b", 0)))
	assert.Empty(t, h.Entries("/none", 0))
}

func TestSearch_CaseFoldingAndNormalization(t *testing.T) {
	h, _ := openTestLog(t)
	appendAll(t, h, "/a",
		"Deploy the STRASSE service",
		"unrelated",
		"Caf\u00e9 menu",
		"deploy again",
	)
	appendAll(t, h, "/b", "DEPLOY elsewhere")

	var got []string
	for e := range h.Search("deploy", "") {
		got = append(got, e.Display)
	}
	assert.Equal(t, []string{"DEPLOY elsewhere", "deploy again", "Deploy the STRASSE service"}, got)

	got = nil
	for e := range h.Search("DEPLOY", "/a") {
		got = append(got, e.Display)
	}
	assert.Equal(t, []string{"deploy again", "Deploy the STRASSE service"}, got)

	// Decomposed query matches precomposed text.
	got = nil
	for e := range h.Search("CAFE\u0301", "") {
		got = append(got, e.Display)
	}
	assert.Equal(t, []string{"Caf\u00e9 menu"}, got)

	// Full case folding: ß folds to ss.
	got = nil
	for e := range h.Search("straße", "") {
		got = append(got, e.Display)
	}
	assert.Equal(t, []string{"Deploy the STRASSE service"}, got)
}

func TestSearch_LazyAndRestartable(t *testing.T) {
	h, _ := openTestLog(t)
	appendAll(t, h, "/a", "x1", "x2", "x3")

	seq := h.Search("x", "")
	var first []string
	for e := range seq {
		first = append(first, e.Display)
		if len(first) == 1 {
			break
		}
	}
	assert.Equal(t, []string{"x3"}, first)

	appendAll(t, h, "/a", "x4")
	var second []string
	for e := range seq {
		second = append(second, e.Display)
	}
	assert.Equal(t, []string{"x4", "x3", "x2", "x1"}, second)
}
