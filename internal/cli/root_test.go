package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/config"
	"github.com/roach88/convo/internal/ir"
)

// cliEnv isolates a test from the user's configuration and returns a fresh
// data directory.
func cliEnv(t *testing.T) string {
	t.Helper()
	t.Setenv(config.EnvDataDir, "")
	t.Setenv(config.EnvDriver, "")
	t.Setenv(config.EnvLogLevel, "error")
	return t.TempDir()
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// executeJSON runs a command with --format json and decodes the data field
// into v.
func executeJSON(t *testing.T, dataDir string, v any, args ...string) {
	t.Helper()
	out, err := execute(t, dataDir, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, out)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "convo", cmd.Use)
	assert.Contains(t, cmd.Long, "forked")
	assert.Equal(t, ir.ToolVersion, cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"session", "create"}, {"session", "list"}, {"session", "show"},
		{"session", "resume"}, {"session", "switch"}, {"session", "append"},
		{"session", "fork"}, {"session", "merge"}, {"session", "cherry-pick"},
		{"session", "rename"}, {"session", "compact"}, {"session", "delete"},
		{"session", "cleanup"},
		{"history", "add"}, {"history", "list"}, {"history", "search"},
		{"scenario", "run"},
		{"config", "show"}, {"config", "init"}, {"verify"},
	}
	for _, path := range paths {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	assert.NotNil(t, cmd.PersistentFlags().Lookup("data-dir"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestInvalidFormat(t *testing.T) {
	dir := cliEnv(t)
	_, err := execute(t, dir, "--format", "xml", "session", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	dir := cliEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName),
		[]byte("data_dir: /elsewhere\nstorage:\n  driver: sqlite\n"), 0o644))

	opts := &RootOptions{DataDir: dir, Verbose: true}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.True(t, cfg.Log.Debug)
}

func TestLoadConfig_UnknownKeyIsCommandError(t *testing.T) {
	dir := cliEnv(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  drvier: sqlite\n"), 0o644))

	_, err := execute(t, dir, "--config", path, "session", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestOpenEnv_CreatesDataLayout(t *testing.T) {
	dir := cliEnv(t)
	_, err := execute(t, dir, "session", "create", "--name", "first")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "convo.db"))
	assert.DirExists(t, filepath.Join(dir, "blobs"))
}

func TestOpenEnv_PureDriver(t *testing.T) {
	dir := cliEnv(t)
	t.Setenv(config.EnvDriver, "sqlite")

	var created struct {
		ID string `json:"id"`
	}
	executeJSON(t, dir, &created, "session", "create")
	var list []struct {
		ID string `json:"id"`
	}
	executeJSON(t, dir, &list, "session", "list", "--all")
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}
