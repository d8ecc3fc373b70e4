package container

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
)

var (
	// ErrNotFound reports that the backend does not know the referenced container.
	ErrNotFound = errors.New("container not found")
	// ErrConflict reports that a container with the requested name already exists.
	ErrConflict = errors.New("container name already in use")
	// ErrBackendUnavailable reports that the execution backend cannot be reached.
	ErrBackendUnavailable = errors.New("container backend unavailable")
)

// ExecutionChannelError is returned when an exec channel cannot be opened.
type ExecutionChannelError struct {
	ContainerID string
	Err         error
}

func (e *ExecutionChannelError) Error() string {
	return fmt.Sprintf("open exec channel in %s: %v", shortID(e.ContainerID), e.Err)
}

func (e *ExecutionChannelError) Unwrap() error { return e.Err }

// StreamError is returned when an exec output stream fails before completion.
type StreamError struct {
	ContainerID string
	Err         error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("read exec output from %s: %v", shortID(e.ContainerID), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// AttachError is returned when an interactive shell cannot be spawned.
type AttachError struct {
	ContainerID string
	Err         error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach shell to %s: %v", shortID(e.ContainerID), e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// classify maps docker client errors onto the package sentinels while
// keeping the original error in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
