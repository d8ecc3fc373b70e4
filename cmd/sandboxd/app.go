package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/config"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/metrics"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/sandbox"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/storage"
)

// openBackend connects to the execution backend. Tests replace it.
var openBackend = func(cfg *config.Config, logger *slog.Logger) (container.Manager, error) {
	return container.NewDockerManager(container.DockerConfig{
		Host:        cfg.Docker.Host,
		StopTimeout: cfg.Sandbox.StopTimeout,
		Logger:      logger,
	})
}

// app holds the components shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector
	backend container.Manager
	store   *storage.GormStore
	mgr     *sandbox.Manager
	exec    *sandbox.Executor
	trees   *sandbox.TreeBuilder
}

func newApp(cfg *config.Config, logw io.Writer) (*app, error) {
	logger := cfg.NewLogger(logw)
	m := metrics.New()

	backend, err := openBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to container backend: %w", err)
	}

	store, err := storage.Open(storage.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	mounts, err := cfg.MountBuilder()
	if err != nil {
		_ = store.Close()
		_ = backend.Close()
		return nil, err
	}

	mgr, err := sandbox.NewManager(backend, store, sandbox.Config{
		Image:      cfg.Sandbox.Image,
		NamePrefix: cfg.Sandbox.NamePrefix,
		Hostname:   cfg.Sandbox.Hostname,
		Command:    cfg.Sandbox.Command,
		Env:        cfg.Sandbox.Env,
		Labels:     cfg.Sandbox.Labels,
		User:       cfg.Sandbox.User,
		Mounts:     mounts,
		HomeDir:    cfg.HomeFunc(),
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		_ = store.Close()
		_ = backend.Close()
		return nil, err
	}

	exec := sandbox.NewExecutor(backend, logger, m)
	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		backend: backend,
		store:   store,
		mgr:     mgr,
		exec:    exec,
		trees:   sandbox.NewTreeBuilder(exec, m),
	}, nil
}

// running ensures the user's sandbox and returns it.
func (a *app) running(ctx context.Context, userID string) (*sandbox.Environment, error) {
	env, err := a.mgr.Ensure(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure sandbox for %s: %w", userID, err)
	}
	return env, nil
}

func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.backend.Close())
}
