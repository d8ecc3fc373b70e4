package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	defaultStopTimeout = 10 * time.Second
	readChunkSize      = 32 * 1024
)

// DockerConfig configures the Docker-backed manager.
type DockerConfig struct {
	// Host is the Docker daemon socket path or URL.
	// If empty, DOCKER_HOST and the usual socket locations are tried.
	Host string

	// StopTimeout is the grace period before a stopped container is killed.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// DockerManager implements Manager on top of the Docker Engine API.
type DockerManager struct {
	client      *client.Client
	stopTimeout time.Duration
	logger      *slog.Logger
}

var _ Manager = (*DockerManager)(nil)

// NewDockerManager connects to the Docker daemon.
func NewDockerManager(cfg DockerConfig) (*DockerManager, error) {
	cli, err := newDockerClient(cfg.Host)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	return &DockerManager{client: cli, stopTimeout: timeout, logger: logger}, nil
}

// Create creates a new container for the sandbox spec.
func (m *DockerManager) Create(ctx context.Context, spec Spec) (string, error) {
	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Hostname:   spec.Hostname,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkingDir,
		Env:        spec.Env,
		Labels:     spec.Labels,
		Tty:        true,
		OpenStdin:  true,
	}
	useInit := true
	hostCfg := &container.HostConfig{
		Init:   &useInit,
		Mounts: dockerMounts(spec.Mounts),
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, classify(err))
	}
	for _, w := range resp.Warnings {
		m.logger.Warn("docker create warning", slog.String("container", spec.Name), slog.String("warning", w))
	}
	return resp.ID, nil
}

// Start starts an existing container.
func (m *DockerManager) Start(ctx context.Context, containerID string) error {
	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", shortID(containerID), classify(err))
	}
	return nil
}

// Stop stops a running container.
func (m *DockerManager) Stop(ctx context.Context, containerID string) error {
	timeout := int(m.stopTimeout.Seconds())
	if err := m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", shortID(containerID), classify(err))
	}
	return nil
}

// GetInfo returns information about a container.
func (m *DockerManager) GetInfo(ctx context.Context, containerID string) (*Info, error) {
	resp, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", shortID(containerID), classify(err))
	}
	if resp.ContainerJSONBase == nil {
		return nil, fmt.Errorf("inspect container %s: empty response", shortID(containerID))
	}

	info := &Info{
		ID:      resp.ID,
		Name:    strings.TrimPrefix(resp.Name, "/"),
		Status:  StatusStopped,
		Created: resp.Created,
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		switch {
		case resp.State.Running:
			info.Status = StatusRunning
		case resp.State.Dead || resp.State.Error != "":
			info.Status = StatusError
		}
	}
	return info, nil
}

// Exec executes a command in a running container.
func (m *DockerManager) Exec(ctx context.Context, containerID string, command []string) (string, error) {
	created, err := m.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          command,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", &ExecutionChannelError{ContainerID: containerID, Err: classify(err)}
	}

	hijacked, err := m.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", &ExecutionChannelError{ContainerID: containerID, Err: classify(err)}
	}
	defer hijacked.Close()
	_ = hijacked.CloseWrite()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, hijacked.Reader); err != nil {
		return "", &StreamError{ContainerID: containerID, Err: err}
	}
	return out.String(), nil
}

// AttachShell starts an interactive TTY process and returns its terminal.
func (m *DockerManager) AttachShell(ctx context.Context, containerID string, opts ShellOptions) (TerminalConnection, error) {
	if len(opts.Command) == 0 {
		return nil, &AttachError{ContainerID: containerID, Err: errors.New("empty shell command")}
	}
	pidFile := "/tmp/.sandboxd-" + uuid.NewString() + ".pid"
	// The wrapper records the shell pid so Close can signal it; docker has
	// no API for killing an exec process.
	cmd := append([]string{"/bin/sh", "-c", `echo $$ > "$0"; shift; exec "$@"`, pidFile, "sh"}, opts.Command...)

	var consoleSize *[2]uint
	if opts.Rows > 0 && opts.Cols > 0 {
		consoleSize = &[2]uint{uint(opts.Rows), uint(opts.Cols)}
	}

	created, err := m.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		User:         opts.User,
		Tty:          true,
		ConsoleSize:  consoleSize,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, &AttachError{ContainerID: containerID, Err: classify(err)}
	}

	hijacked, err := m.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: consoleSize,
	})
	if err != nil {
		return nil, &AttachError{ContainerID: containerID, Err: classify(err)}
	}

	return &dockerTerminal{
		manager:     m,
		containerID: containerID,
		execID:      created.ID,
		pidFile:     pidFile,
		conn:        hijacked.Conn,
		reader:      hijacked.Reader,
		closer:      hijacked.Close,
	}, nil
}

// Ping reports whether the daemon answers.
func (m *DockerManager) Ping(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", classify(err))
	}
	return nil
}

// Close closes the docker client.
func (m *DockerManager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

func (m *DockerManager) ensureImage(ctx context.Context, img string) error {
	if _, _, err := m.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	m.logger.Info("pulling sandbox image", slog.String("image", img))
	reader, err := m.client.ImagePull(ctx, img, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, classify(err))
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	return nil
}

func dockerMounts(mounts []Mount) []mount.Mount {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

type dockerTerminal struct {
	manager     *DockerManager
	containerID string
	execID      string
	pidFile     string
	conn        io.Writer
	reader      io.Reader
	closer      func()

	closeOnce sync.Once
	closeErr  error
}

func (t *dockerTerminal) Read() ([]byte, error) {
	buf := make([]byte, readChunkSize)
	n, err := t.reader.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (t *dockerTerminal) Write(data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

func (t *dockerTerminal) Resize(rows, cols uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.manager.client.ContainerExecResize(ctx, t.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (t *dockerTerminal) Close() error {
	t.closeOnce.Do(func() {
		t.closer()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		inspect, err := t.manager.client.ContainerExecInspect(ctx, t.execID)
		if err != nil || !inspect.Running {
			return
		}
		script := fmt.Sprintf(`kill -HUP "$(cat %s)" 2>/dev/null; rm -f %s`, t.pidFile, t.pidFile)
		if _, err := t.manager.Exec(ctx, t.containerID, []string{"/bin/sh", "-c", script}); err != nil {
			t.closeErr = fmt.Errorf("terminate shell: %w", err)
		}
	})
	return t.closeErr
}

func newDockerClient(host string) (*client.Client, error) {
	if host = strings.TrimSpace(host); host != "" {
		cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker host %s: %w", host, err)
		}
		return cli, nil
	}
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err == nil {
			return cli, nil
		}
		return nil, fmt.Errorf("DOCKER_HOST=%s: %w", host, err)
	}

	var errs []string
	for _, sock := range dockerSocketCandidates() {
		info, err := os.Stat(sock)
		if err != nil || info.Mode()&os.ModeSocket == 0 {
			continue
		}
		host := "unix://" + sock
		cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", host, err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, pingErr := cli.Ping(ctx)
		cancel()
		if pingErr != nil {
			errs = append(errs, fmt.Sprintf("%s ping: %v", host, pingErr))
			_ = cli.Close()
			continue
		}
		return cli, nil
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, strings.Join(errs, "; "))
	}
	return nil, fmt.Errorf("%w: unable to find docker socket; set DOCKER_HOST or ensure Docker/Podman is running", ErrBackendUnavailable)
}

func dockerSocketCandidates() []string {
	seen := make(map[string]bool)
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
	}
	add("/var/run/docker.sock")
	add("/run/docker.sock")
	add("/var/run/podman/podman.sock")
	add("/run/podman/podman.sock")

	if home := os.Getenv("HOME"); home != "" {
		add(filepath.Join(home, ".docker", "run", "docker.sock"))
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		add(filepath.Join(xdg, "docker.sock"))
		add(filepath.Join(xdg, "podman", "podman.sock"))
	}
	if current, err := user.Current(); err == nil && current.Uid != "" {
		add(filepath.Join("/run/user", current.Uid, "docker.sock"))
		add(filepath.Join("/run/user", current.Uid, "podman/podman.sock"))
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
