// Package containertest provides an in-memory container.Manager for tests.
package containertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
)

// Container is a fake container tracked by Backend.
type Container struct {
	ID      string
	Spec    container.Spec
	Running bool
}

// ExecFunc produces the output for a command executed in a container.
type ExecFunc func(containerID string, command []string) (string, error)

// Backend is a concurrency-safe fake execution backend.
type Backend struct {
	mu         sync.Mutex
	containers map[string]*Container
	names      map[string]string
	nextID     int

	// ExecFunc answers Exec calls. When nil, Outputs is consulted.
	ExecFunc ExecFunc
	// Outputs maps a space-joined command to its output.
	Outputs map[string]string

	// CreateErr, StartErr, AttachErr and InfoErr force failures.
	CreateErr error
	StartErr  error
	AttachErr error
	InfoErr   error

	// BeforeCreate, when set, runs at the start of Create with its context.
	BeforeCreate func(ctx context.Context) error

	Creates  int
	Starts   int
	Stops    int
	Execs    [][]string
	Shells   []*Terminal
	ShellOps []container.ShellOptions
}

var _ container.Manager = (*Backend)(nil)

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{
		containers: make(map[string]*Container),
		names:      make(map[string]string),
		Outputs:    make(map[string]string),
	}
}

func (b *Backend) Create(ctx context.Context, spec container.Spec) (string, error) {
	if b.BeforeCreate != nil {
		if err := b.BeforeCreate(ctx); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	if spec.Name != "" {
		if _, exists := b.names[spec.Name]; exists {
			return "", fmt.Errorf("create container %s: %w", spec.Name, container.ErrConflict)
		}
	}
	b.nextID++
	id := fmt.Sprintf("ctr-%03d", b.nextID)
	b.containers[id] = &Container{ID: id, Spec: spec}
	if spec.Name != "" {
		b.names[spec.Name] = id
	}
	b.Creates++
	return id, nil
}

func (b *Backend) Start(_ context.Context, containerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StartErr != nil {
		return b.StartErr
	}
	c, ok := b.containers[containerID]
	if !ok {
		return fmt.Errorf("start container %s: %w", containerID, container.ErrNotFound)
	}
	c.Running = true
	b.Starts++
	return nil
}

func (b *Backend) Stop(_ context.Context, containerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[containerID]
	if !ok {
		return fmt.Errorf("stop container %s: %w", containerID, container.ErrNotFound)
	}
	c.Running = false
	b.Stops++
	return nil
}

func (b *Backend) GetInfo(_ context.Context, containerID string) (*container.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.InfoErr != nil {
		return nil, b.InfoErr
	}
	c, ok := b.containers[containerID]
	if !ok {
		if id, byName := b.names[containerID]; byName {
			c = b.containers[id]
			ok = c != nil
		}
	}
	if !ok {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, container.ErrNotFound)
	}
	status := container.StatusStopped
	if c.Running {
		status = container.StatusRunning
	}
	return &container.Info{
		ID:     c.ID,
		Name:   c.Spec.Name,
		Status: status,
		Image:  c.Spec.Image,
		Labels: c.Spec.Labels,
	}, nil
}

func (b *Backend) Exec(_ context.Context, containerID string, command []string) (string, error) {
	b.mu.Lock()
	c, ok := b.containers[containerID]
	b.Execs = append(b.Execs, append([]string(nil), command...))
	fn := b.ExecFunc
	out, known := b.Outputs[strings.Join(command, " ")]
	b.mu.Unlock()

	if !ok || !c.Running {
		return "", &container.ExecutionChannelError{ContainerID: containerID, Err: container.ErrNotFound}
	}
	if fn != nil {
		return fn(containerID, command)
	}
	if !known {
		return "", nil
	}
	return out, nil
}

func (b *Backend) AttachShell(_ context.Context, containerID string, opts container.ShellOptions) (container.TerminalConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.AttachErr != nil {
		return nil, &container.AttachError{ContainerID: containerID, Err: b.AttachErr}
	}
	c, ok := b.containers[containerID]
	if !ok || !c.Running {
		return nil, &container.AttachError{ContainerID: containerID, Err: container.ErrNotFound}
	}
	term := NewTerminal()
	b.Shells = append(b.Shells, term)
	b.ShellOps = append(b.ShellOps, opts)
	return term, nil
}

func (b *Backend) Ping(context.Context) error { return nil }

func (b *Backend) Close() error { return nil }

// Remove deletes a container, making any handle to it stale.
func (b *Backend) Remove(containerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.containers[containerID]; ok {
		delete(b.names, c.Spec.Name)
		delete(b.containers, containerID)
	}
}

// Container returns a snapshot of the container with the given id.
func (b *Backend) Container(containerID string) (Container, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[containerID]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Counts returns the number of create, start and stop calls so far.
func (b *Backend) Counts() (creates, starts, stops int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Creates, b.Starts, b.Stops
}

// ShellCount returns the number of shells spawned so far.
func (b *Backend) ShellCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Shells)
}

// Shell returns the i-th spawned shell.
func (b *Backend) Shell(i int) *Terminal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Shells[i]
}

// Terminal is a fake interactive shell.
type Terminal struct {
	out chan []byte

	mu      sync.Mutex
	input   []byte
	resizes [][2]uint16
	closed  bool
	done    chan struct{}
}

// NewTerminal returns an open fake terminal.
func NewTerminal() *Terminal {
	return &Terminal{
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

// Emit queues output as if the shell produced it.
func (t *Terminal) Emit(data string) {
	select {
	case t.out <- []byte(data):
	case <-t.done:
	}
}

// Exit simulates the shell process exiting.
func (t *Terminal) Exit() { _ = t.Close() }

func (t *Terminal) Read() ([]byte, error) {
	select {
	case data := <-t.out:
		return data, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *Terminal) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	t.input = append(t.input, data...)
	return nil
}

func (t *Terminal) Resize(rows, cols uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resizes = append(t.resizes, [2]uint16{rows, cols})
	return nil
}

func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// Input returns everything written to the terminal.
func (t *Terminal) Input() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.input)
}

// Resizes returns the recorded resize requests as rows/cols pairs.
func (t *Terminal) Resizes() [][2]uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][2]uint16(nil), t.resizes...)
}

// Closed reports whether the terminal was closed.
func (t *Terminal) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
