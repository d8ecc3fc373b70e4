package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/metrics"
)

// ErrEmptyCommand is returned when there is nothing to execute.
var ErrEmptyCommand = errors.New("empty command")

// Executor runs one-shot commands inside sandboxes. Calls are independent;
// any number may run concurrently against the same or different containers.
type Executor struct {
	backend container.Manager
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewExecutor creates a command executor.
func NewExecutor(backend container.Manager, logger *slog.Logger, m *metrics.Collector) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{backend: backend, logger: logger, metrics: m}
}

// Exec splits line on whitespace and runs it. There is no quoting support;
// use ExecArgs for arguments containing spaces or shell metacharacters.
func (e *Executor) Exec(ctx context.Context, containerID, line string) (string, error) {
	return e.ExecArgs(ctx, containerID, strings.Fields(line))
}

// ExecArgs runs argv without any shell re-parsing and returns stdout and
// stderr combined, with trailing whitespace trimmed.
func (e *Executor) ExecArgs(ctx context.Context, containerID string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", ErrEmptyCommand
	}

	start := time.Now()
	raw, err := e.backend.Exec(ctx, containerID, argv)
	e.metrics.ObserveExec(err, time.Since(start))
	if err != nil {
		e.logger.Debug("sandbox exec failed",
			slog.String("container", containerID),
			slog.String("command", argv[0]),
			slog.Any("error", err))
		return "", fmt.Errorf("exec %s: %w", argv[0], err)
	}

	out := strings.ToValidUTF8(raw, string(unicode.ReplacementChar))
	return strings.TrimRightFunc(out, unicode.IsSpace), nil
}
