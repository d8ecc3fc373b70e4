//go:build integration

package container

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const integrationImage = "alpine:3.20"

func requireDocker(t *testing.T) *DockerManager {
	t.Helper()
	m, err := NewDockerManager(DockerConfig{StopTimeout: time.Second})
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Ping(ctx); err != nil {
		_ = m.Close()
		t.Skipf("Docker not available: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func createTestContainer(t *testing.T, m *DockerManager) string {
	t.Helper()
	ctx := context.Background()
	id, err := m.Create(ctx, Spec{
		Name:    "sandboxd-it-" + uuid.NewString()[:8],
		Image:   integrationImage,
		Command: []string{"sleep", "infinity"},
		Labels:  map[string]string{"vibethis.test": "true"},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.client.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	})
	require.NoError(t, m.Start(ctx, id))
	return id
}

func TestDockerLifecycle(t *testing.T) {
	m := requireDocker(t)
	ctx := context.Background()
	id := createTestContainer(t, m)

	info, err := m.GetInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, "true", info.Labels["vibethis.test"])

	out, err := m.Exec(ctx, id, []string{"sh", "-c", "echo out; echo err >&2"})
	require.NoError(t, err)
	assert.Contains(t, out, "out")
	assert.Contains(t, out, "err")

	require.NoError(t, m.Stop(ctx, id))
	info, err = m.GetInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, info.Status)

	_, err = m.Exec(ctx, id, []string{"true"})
	var execErr *ExecutionChannelError
	assert.True(t, errors.As(err, &execErr))
}

func TestDockerGetInfoMissing(t *testing.T) {
	m := requireDocker(t)
	_, err := m.GetInfo(context.Background(), "sandboxd-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDockerNameConflict(t *testing.T) {
	m := requireDocker(t)
	ctx := context.Background()
	id := createTestContainer(t, m)

	info, err := m.GetInfo(ctx, id)
	require.NoError(t, err)
	_, err = m.Create(ctx, Spec{Name: info.Name, Image: integrationImage, Command: []string{"sleep", "infinity"}})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDockerAttachShell(t *testing.T) {
	m := requireDocker(t)
	ctx := context.Background()
	id := createTestContainer(t, m)

	term, err := m.AttachShell(ctx, id, ShellOptions{
		Command:    []string{"/bin/sh"},
		WorkingDir: "/tmp",
		Env:        []string{"GREETING=hello"},
		Rows:       24,
		Cols:       80,
	})
	require.NoError(t, err)
	defer term.Close()

	require.NoError(t, term.Write([]byte("echo $GREETING from $(pwd)\n")))
	require.NoError(t, term.Resize(40, 120))

	var seen strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(seen.String(), "hello from /tmp") {
		data, err := term.Read()
		seen.Write(data)
		if err != nil {
			break
		}
	}
	assert.Contains(t, seen.String(), "hello from /tmp")

	require.NoError(t, term.Close())
}
