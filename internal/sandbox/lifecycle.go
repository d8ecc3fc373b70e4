// Package sandbox maps users to long-lived sandbox containers and runs
// commands inside them.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/metrics"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/storage"
)

const (
	LabelManaged   = "vibethis.managed"
	LabelNamespace = "vibethis.user-namespace"

	defaultNamePrefix    = "vibethis-sandbox"
	defaultEnsureTimeout = 5 * time.Minute
)

// ErrInvalidUser is returned for an empty user identifier.
var ErrInvalidUser = errors.New("user id is required")

// Ensure outcomes, also used as metric labels.
const (
	OutcomeReused    = "reused"
	OutcomeStarted   = "started"
	OutcomeCreated   = "created"
	OutcomeRecreated = "recreated"
	OutcomeAdopted   = "adopted"
	OutcomeFailed    = "failed"
)

// Config describes how sandboxes are created.
type Config struct {
	Image      string
	NamePrefix string
	Hostname   string
	Command    []string
	Env        []string
	Labels     map[string]string

	// User owns the home directory. Empty leaves it to the image default.
	User string

	// EnsureTimeout bounds a shared Ensure once it no longer follows the
	// context of the caller that started it.
	EnsureTimeout time.Duration

	// Mounts builds the per-user mounts. Nil means no mounts.
	Mounts *container.MountBuilder

	// HomeDir returns the home path for a namespace. Defaults to /home/<namespace>.
	HomeDir func(namespace string) string

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Environment describes a user's sandbox as seen by the lifecycle manager.
type Environment struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Namespace string           `json:"namespace"`
	Home      string           `json:"home"`
	Status    container.Status `json:"status"`
	Outcome   string           `json:"outcome,omitempty"`
}

type lease struct {
	containerID string
	count       int
}

// Manager is the sandbox lifecycle manager. Ensure and stop for the same user
// never interleave; different users proceed in parallel.
type Manager struct {
	backend container.Manager
	store   storage.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	flight singleflight.Group
	locks  keyedMutex

	mu     sync.Mutex
	leases map[string]*lease
}

// NewManager creates a lifecycle manager.
func NewManager(backend container.Manager, store storage.Store, cfg Config) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("container backend is required")
	}
	if store == nil {
		return nil, errors.New("sandbox store is required")
	}
	if cfg.Image == "" {
		return nil, errors.New("sandbox image is required")
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = defaultNamePrefix
	}
	if cfg.EnsureTimeout <= 0 {
		cfg.EnsureTimeout = defaultEnsureTimeout
	}
	if cfg.HomeDir == nil {
		cfg.HomeDir = func(ns string) string { return path.Join("/home", ns) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		leases:  make(map[string]*lease),
	}, nil
}

// Backend returns the execution backend.
func (m *Manager) Backend() container.Manager {
	return m.backend
}

// HomeDir returns the namespaced home path for userID.
func (m *Manager) HomeDir(userID string) string {
	return m.cfg.HomeDir(Namespace(userID))
}

// Ensure returns a running sandbox for userID, creating or starting it when
// needed. Concurrent calls for the same user share one backend operation,
// which keeps running when the caller that started it goes away.
func (m *Manager) Ensure(ctx context.Context, userID string) (*Environment, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	ch := m.flight.DoChan(userID, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.EnsureTimeout)
		defer cancel()
		unlock := m.locks.Lock(userID)
		defer unlock()
		return m.ensureLocked(shared, userID, nil)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		env := *res.Val.(*Environment)
		return &env, nil
	}
}

// Acquire ensures the sandbox for userID and takes a session reference on it.
// Every successful Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, userID string, progress ProgressCallback) (*Environment, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	env, err := m.ensureLocked(ctx, userID, NewProgressReporter(progress))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	l := m.leases[userID]
	if l == nil || l.containerID != env.ID {
		l = &lease{containerID: env.ID}
		m.leases[userID] = l
	}
	l.count++
	held := len(m.leases)
	m.mu.Unlock()

	m.metrics.SetEnvironmentsHeld(held)
	return env, nil
}

// Release drops a session reference taken by Acquire. The sandbox is stopped
// when its last reference is released. Releasing a reference to a container
// that has since been replaced is a no-op.
func (m *Manager) Release(ctx context.Context, userID, containerID string) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.Lock()
	l := m.leases[userID]
	if l == nil || l.containerID != containerID {
		m.mu.Unlock()
		return nil
	}
	l.count--
	if l.count > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.leases, userID)
	held := len(m.leases)
	m.mu.Unlock()

	m.metrics.SetEnvironmentsHeld(held)
	return m.stopLocked(ctx, userID, containerID)
}

// Stop stops the sandbox container for userID. Stopping a stopped or missing
// container is not an error.
func (m *Manager) Stop(ctx context.Context, userID, containerID string) error {
	unlock := m.locks.Lock(userID)
	defer unlock()
	return m.stopLocked(ctx, userID, containerID)
}

// References returns the number of live session references for userID.
func (m *Manager) References(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.leases[userID]; l != nil {
		return l.count
	}
	return 0
}

// Status reports the sandbox for userID without creating or starting it.
// A user with no sandbox, or a stale one, reports StatusNone.
func (m *Manager) Status(ctx context.Context, userID string) (*Environment, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	ns := Namespace(userID)
	env := &Environment{UserID: userID, Namespace: ns, Home: m.cfg.HomeDir(ns), Status: container.StatusNone}

	rec, err := m.store.Get(ctx, userID)
	if errors.Is(err, storage.ErrRecordNotFound) {
		return env, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sandbox record: %w", err)
	}

	info, err := m.backend.GetInfo(ctx, rec.ContainerID)
	if errors.Is(err, container.ErrNotFound) {
		return env, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect sandbox: %w", err)
	}
	env.ID = info.ID
	env.Status = info.Status
	return env, nil
}

func (m *Manager) ensureLocked(ctx context.Context, userID string, progress *ProgressReporter) (env *Environment, err error) {
	start := time.Now()
	ns := Namespace(userID)
	env = &Environment{UserID: userID, Namespace: ns, Home: m.cfg.HomeDir(ns)}
	defer func() {
		outcome := OutcomeFailed
		if err == nil {
			outcome = env.Outcome
		}
		m.metrics.ObserveEnsure(outcome, time.Since(start))
	}()

	progress.Report(PhaseInspecting, "looking up sandbox")
	rec, err := m.store.Get(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		rec = nil
	case err != nil:
		return nil, fmt.Errorf("load sandbox record: %w", err)
	}

	stale := false
	if rec != nil && rec.ContainerID != "" {
		info, err := m.backend.GetInfo(ctx, rec.ContainerID)
		switch {
		case errors.Is(err, container.ErrNotFound):
			stale = true
			m.logger.Warn("sandbox handle is stale, recreating",
				slog.String("user", userID),
				slog.String("container", rec.ContainerID))
		case err != nil:
			return nil, fmt.Errorf("inspect sandbox: %w", err)
		case info.Status == container.StatusRunning:
			env.ID = info.ID
			env.Status = container.StatusRunning
			env.Outcome = OutcomeReused
			if rec.State != storage.StateRunning {
				m.saveState(ctx, userID, storage.StateRunning)
			}
			progress.Report(PhaseReady, "sandbox running")
			return env, nil
		default:
			env.ID = info.ID
			env.Outcome = OutcomeStarted
			if err := m.startLocked(ctx, env, progress); err != nil {
				return nil, err
			}
			return env, nil
		}
	}

	if err := m.createLocked(ctx, env, progress); err != nil {
		return nil, err
	}
	if stale && env.Outcome == OutcomeCreated {
		env.Outcome = OutcomeRecreated
	}
	return env, nil
}

func (m *Manager) createLocked(ctx context.Context, env *Environment, progress *ProgressReporter) error {
	name := m.cfg.NamePrefix + "-" + env.Namespace
	spec := container.Spec{
		Name:     name,
		Image:    m.cfg.Image,
		Hostname: m.cfg.Hostname,
		Command:  m.cfg.Command,
		Env:      m.cfg.Env,
		Labels:   m.labels(env.Namespace),
	}
	if m.cfg.Mounts != nil {
		spec.Mounts = m.cfg.Mounts.BuildMounts(env.Namespace, env.Home)
	}

	running := false
	err := progress.WithProgress(PhaseCreating, "creating sandbox from "+m.cfg.Image, func() error {
		id, err := m.backend.Create(ctx, spec)
		if errors.Is(err, container.ErrConflict) {
			// The record was lost but the deterministic name is still taken.
			info, ierr := m.backend.GetInfo(ctx, name)
			if ierr != nil {
				return fmt.Errorf("adopt sandbox %s: %w", name, err)
			}
			m.logger.Info("adopting existing sandbox container",
				slog.String("user", env.UserID),
				slog.String("container", info.ID))
			env.ID = info.ID
			env.Outcome = OutcomeAdopted
			running = info.Status == container.StatusRunning
			return nil
		}
		if err != nil {
			return fmt.Errorf("create sandbox: %w", err)
		}
		env.ID = id
		env.Outcome = OutcomeCreated
		return nil
	})
	if err != nil {
		return err
	}

	rec := storage.Record{UserID: env.UserID, ContainerID: env.ID, State: storage.StateStopped, Image: m.cfg.Image}
	if running {
		rec.State = storage.StateRunning
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist sandbox record: %w", err)
	}
	m.logger.Info("sandbox created",
		slog.String("user", env.UserID),
		slog.String("container", env.ID),
		slog.String("outcome", env.Outcome))

	if running {
		env.Status = container.StatusRunning
		if err := m.prepareHome(ctx, env); err != nil {
			return err
		}
		progress.Report(PhaseReady, "sandbox running")
		return nil
	}
	return m.startLocked(ctx, env, progress)
}

func (m *Manager) startLocked(ctx context.Context, env *Environment, progress *ProgressReporter) error {
	err := progress.WithProgress(PhaseStarting, "starting sandbox", func() error {
		return m.backend.Start(ctx, env.ID)
	})
	if err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}
	env.Status = container.StatusRunning
	m.saveState(ctx, env.UserID, storage.StateRunning)

	if err := m.prepareHome(ctx, env); err != nil {
		return err
	}
	progress.Report(PhaseReady, "sandbox running")
	return nil
}

func (m *Manager) prepareHome(ctx context.Context, env *Environment) error {
	if _, err := m.backend.Exec(ctx, env.ID, []string{"mkdir", "-p", env.Home}); err != nil {
		return fmt.Errorf("prepare home %s: %w", env.Home, err)
	}
	if m.cfg.User == "" {
		return nil
	}
	if _, err := m.backend.Exec(ctx, env.ID, []string{"chown", m.cfg.User, env.Home}); err != nil {
		return fmt.Errorf("chown home %s to %s: %w", env.Home, m.cfg.User, err)
	}
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, userID, containerID string) error {
	err := m.backend.Stop(ctx, containerID)
	if err != nil && !errors.Is(err, container.ErrNotFound) {
		return fmt.Errorf("stop sandbox: %w", err)
	}
	m.saveStoppedState(ctx, userID, containerID)
	m.logger.Info("sandbox stopped",
		slog.String("user", userID),
		slog.String("container", containerID))
	return nil
}

// saveStoppedState records the stop only while containerID is still the
// user's sandbox; a replacement may already be running.
func (m *Manager) saveStoppedState(ctx context.Context, userID, containerID string) {
	rec, err := m.store.Get(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		return
	case err != nil:
		m.logger.Warn("failed to load sandbox record",
			slog.String("user", userID),
			slog.Any("error", err))
		return
	case rec.ContainerID != containerID:
		m.logger.Debug("stopped container was already replaced",
			slog.String("user", userID),
			slog.String("container", containerID),
			slog.String("current", rec.ContainerID))
		return
	}
	m.saveState(ctx, userID, storage.StateStopped)
}

func (m *Manager) saveState(ctx context.Context, userID string, state storage.State) {
	if err := m.store.SetState(ctx, userID, state); err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		m.logger.Warn("failed to record sandbox state",
			slog.String("user", userID),
			slog.String("state", string(state)),
			slog.Any("error", err))
	}
}

func (m *Manager) labels(ns string) map[string]string {
	labels := make(map[string]string, len(m.cfg.Labels)+2)
	for k, v := range m.cfg.Labels {
		labels[k] = v
	}
	labels[LabelManaged] = "true"
	labels[LabelNamespace] = ns
	return labels
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu      sync.Mutex
	holders int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e := k.locks[key]
	if e == nil {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.holders++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.holders--
		if e.holders == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
