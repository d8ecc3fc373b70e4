// Package container provides sandbox container lifecycle management for vibethis.
package container

import (
	"context"
)

// Status represents the current status of a container.
type Status string

const (
	StatusNone    Status = "none"    // No container exists
	StatusStopped Status = "stopped" // Container exists but is not running
	StatusRunning Status = "running" // Container is running
	StatusError   Status = "error"   // Container is in error state
)

// Info contains information about a container.
type Info struct {
	ID      string            `json:"id"`
	Name    string            `json:"name,omitempty"`
	Status  Status            `json:"status"`
	Image   string            `json:"image,omitempty"`
	Created string            `json:"created,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Mount represents a container mount configuration
type Mount struct {
	Type     string // bind, volume, tmpfs
	Source   string // host path or volume name
	Target   string // container path
	ReadOnly bool   // read-only flag
}

// Spec describes a sandbox container to create.
type Spec struct {
	Name       string
	Image      string
	Hostname   string
	Command    []string
	WorkingDir string
	Env        []string
	Labels     map[string]string
	Mounts     []Mount
}

// ShellOptions configures an interactive shell attached to a running container.
type ShellOptions struct {
	Command    []string
	WorkingDir string
	Env        []string
	User       string
	Rows       uint16
	Cols       uint16
}

// Manager provides container lifecycle operations.
type Manager interface {
	// Create creates a new container. The image is pulled when missing.
	Create(ctx context.Context, spec Spec) (containerID string, err error)

	// Start starts an existing container.
	Start(ctx context.Context, containerID string) error

	// Stop stops a running container. Stopping a stopped container is not an error.
	Stop(ctx context.Context, containerID string) error

	// GetInfo returns information about a container. It returns an error
	// wrapping ErrNotFound when the backend no longer knows the container.
	GetInfo(ctx context.Context, containerID string) (*Info, error)

	// Exec runs a command in a running container and returns stdout and
	// stderr interleaved in a single string.
	Exec(ctx context.Context, containerID string, command []string) (output string, err error)

	// AttachShell starts an interactive process with a pseudo-terminal.
	AttachShell(ctx context.Context, containerID string, opts ShellOptions) (TerminalConnection, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// TerminalConnection represents a terminal connection to a container.
type TerminalConnection interface {
	// Read reads data from the terminal.
	Read() ([]byte, error)

	// Write writes data to the terminal.
	Write(data []byte) error

	// Resize resizes the terminal.
	Resize(rows, cols uint16) error

	// Close terminates the terminal process and releases the connection.
	Close() error
}
