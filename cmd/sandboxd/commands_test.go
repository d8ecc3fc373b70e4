package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/config"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/container/containertest"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/sandbox"
)

func useFakeBackend(t *testing.T) *containertest.Backend {
	t.Helper()
	backend := containertest.New()
	prev := openBackend
	openBackend = func(*config.Config, *slog.Logger) (container.Manager, error) {
		return backend, nil
	}
	t.Cleanup(func() { openBackend = prev })
	return backend
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sandboxd.yaml")
	body := "type: sandboxd\nversion: 1\nsandbox:\n  image: ubuntu:24.04\nstore:\n  dsn: " + filepath.Join(dir, "sandboxes.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	envFile := filepath.Join(t.TempDir(), "missing.env")
	root.SetArgs(append([]string{"--config", configPath, "--env-file", envFile}, args...))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestEnsureAndStatusCommands(t *testing.T) {
	backend := useFakeBackend(t)
	cfg := writeTestConfig(t)

	var status sandbox.Environment
	require.NoError(t, json.Unmarshal([]byte(run(t, cfg, "status", "alice")), &status))
	assert.Equal(t, container.StatusNone, status.Status)

	var env sandbox.Environment
	require.NoError(t, json.Unmarshal([]byte(run(t, cfg, "ensure", "alice")), &env))
	assert.Equal(t, container.StatusRunning, env.Status)
	assert.Equal(t, "/home/"+sandbox.Namespace("alice"), env.Home)

	var again sandbox.Environment
	require.NoError(t, json.Unmarshal([]byte(run(t, cfg, "ensure", "alice")), &again))
	assert.Equal(t, env.ID, again.ID)

	creates, _, _ := backend.Counts()
	assert.Equal(t, 1, creates)
}

func TestExecCommand(t *testing.T) {
	backend := useFakeBackend(t)
	cfg := writeTestConfig(t)
	backend.Outputs["cat notes.txt"] = "remember the milk\n"
	backend.Outputs["uname -a"] = "Linux sandbox\n"

	assert.Equal(t, "remember the milk\n", run(t, cfg, "exec", "alice", "--", "cat", "notes.txt"))
	assert.Equal(t, "Linux sandbox\n", run(t, cfg, "exec", "--line", "alice", "uname   -a"))
}

func TestTreeCommand(t *testing.T) {
	backend := useFakeBackend(t)
	cfg := writeTestConfig(t)
	home := "/home/" + sandbox.Namespace("alice")
	backend.Outputs["ls -lA "+home+"/proj"] = "total 4\n-rw-r--r-- 1 u u 3 Jan 1 00:00 README.md\n"

	out := run(t, cfg, "tree", "alice", "proj")
	assert.JSONEq(t, `{"README.md":null}`, out)
}

func TestStopCommand(t *testing.T) {
	backend := useFakeBackend(t)
	cfg := writeTestConfig(t)

	assert.Equal(t, "no sandbox for alice\n", run(t, cfg, "stop", "alice"))

	var env sandbox.Environment
	require.NoError(t, json.Unmarshal([]byte(run(t, cfg, "ensure", "alice")), &env))
	assert.Equal(t, "stopped "+env.ID+"\n", run(t, cfg, "stop", "alice"))

	c, ok := backend.Container(env.ID)
	require.True(t, ok)
	assert.False(t, c.Running)
}
