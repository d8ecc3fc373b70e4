package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/container/containertest"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.GormStore {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "sandboxes.db"),
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T) (*Manager, *containertest.Backend, *storage.GormStore) {
	t.Helper()
	backend := containertest.New()
	store := newTestStore(t)
	mounts, err := container.NewMountBuilder("vibethis-home", nil)
	require.NoError(t, err)
	mgr, err := NewManager(backend, store, Config{
		Image:    "ubuntu:24.04",
		Hostname: "sandbox",
		Command:  []string{"sleep", "infinity"},
		Mounts:   mounts,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	return mgr, backend, store
}

func TestEnsureIsIdempotent(t *testing.T) {
	mgr, backend, store := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)
	assert.Equal(t, container.StatusRunning, first.Status)

	second, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, OutcomeReused, second.Outcome)

	creates, starts, _ := backend.Counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, starts)

	rec, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, rec.ContainerID)
	assert.Equal(t, storage.StateRunning, rec.State)
	assert.Equal(t, "ubuntu:24.04", rec.Image)
}

func TestEnsureRecoversStaleHandle(t *testing.T) {
	mgr, backend, store := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	backend.Remove(first.ID)

	second, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, OutcomeRecreated, second.Outcome)

	rec, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.ID, rec.ContainerID)

	c, ok := backend.Container(second.ID)
	require.True(t, ok)
	assert.True(t, c.Running)
}

func TestEnsureStartsStoppedSandbox(t *testing.T) {
	mgr, backend, store := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, backend.Stop(ctx, first.ID))

	second, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, OutcomeStarted, second.Outcome)

	creates, starts, _ := backend.Counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 2, starts)

	rec, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, storage.StateRunning, rec.State)
}

func TestEnsureConcurrentCallersCreateOnce(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := mgr.Ensure(ctx, "alice")
			errs[i] = err
			if env != nil {
				ids[i] = env.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	creates, _, _ := backend.Counts()
	assert.Equal(t, 1, creates)
}

func TestEnsureOutlivesCancelledCaller(t *testing.T) {
	mgr, backend, store := newTestManager(t)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	backend.BeforeCreate = func(ctx context.Context) error {
		once.Do(func() { close(entered) })
		select {
		case <-proceed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := mgr.Ensure(firstCtx, "alice")
		firstErr <- err
	}()
	<-entered

	type result struct {
		env *Environment
		err error
	}
	second := make(chan result, 1)
	go func() {
		env, err := mgr.Ensure(context.Background(), "alice")
		second <- result{env, err}
	}()
	// Let the second caller join the in-flight ensure.
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(proceed)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, container.StatusRunning, res.env.Status)

	creates, _, _ := backend.Counts()
	assert.Equal(t, 1, creates)
	rec, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, res.env.ID, rec.ContainerID)
}

func TestConcurrentAcquireCreatesOnce(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Acquire(ctx, "alice", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	creates, _, _ := backend.Counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 8, mgr.References("alice"))
}

func TestEnsureCreateFailureLeavesNoRecord(t *testing.T) {
	mgr, backend, store := newTestManager(t)
	ctx := context.Background()
	backend.CreateErr = errors.New("pull image ubuntu:24.04: denied")

	_, err := mgr.Ensure(ctx, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")

	_, err = store.Get(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestEnsureBackendUnavailable(t *testing.T) {
	mgr, backend, store := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, storage.Record{UserID: "alice", ContainerID: "ctr-999"}))
	backend.InfoErr = container.ErrBackendUnavailable

	_, err := mgr.Ensure(ctx, "alice")
	require.ErrorIs(t, err, container.ErrBackendUnavailable)

	creates, _, _ := backend.Counts()
	assert.Zero(t, creates)
}

func TestEnsureAdoptsContainerWithSameName(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	orphan, err := backend.Create(ctx, container.Spec{Name: "vibethis-sandbox-" + Namespace("alice"), Image: "ubuntu:24.04"})
	require.NoError(t, err)

	env, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, orphan, env.ID)
	assert.Equal(t, OutcomeAdopted, env.Outcome)

	c, ok := backend.Container(orphan)
	require.True(t, ok)
	assert.True(t, c.Running)
}

func TestStopIsIdempotent(t *testing.T) {
	mgr, backend, store := newTestManager(t)
	ctx := context.Background()

	env, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ctx, "alice", env.ID))
	require.NoError(t, mgr.Stop(ctx, "alice", env.ID))

	backend.Remove(env.ID)
	require.NoError(t, mgr.Stop(ctx, "alice", env.ID))

	rec, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, storage.StateStopped, rec.State)
}

func TestAcquireReleaseReferenceCounting(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.Acquire(ctx, "alice", nil)
	require.NoError(t, err)
	b, err := mgr.Acquire(ctx, "alice", nil)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
	assert.Equal(t, 2, mgr.References("alice"))

	require.NoError(t, mgr.Release(ctx, "alice", a.ID))
	c, _ := backend.Container(a.ID)
	assert.True(t, c.Running, "sandbox must keep running while a session holds it")

	require.NoError(t, mgr.Release(ctx, "alice", a.ID))
	c, _ = backend.Container(a.ID)
	assert.False(t, c.Running)
	assert.Zero(t, mgr.References("alice"))

	again, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, again.Outcome)
}

func TestReleaseOfReplacedContainerIsNoop(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	old, err := mgr.Acquire(ctx, "alice", nil)
	require.NoError(t, err)
	backend.Remove(old.ID)

	fresh, err := mgr.Acquire(ctx, "alice", nil)
	require.NoError(t, err)
	require.NotEqual(t, old.ID, fresh.ID)

	require.NoError(t, mgr.Release(ctx, "alice", old.ID))
	c, ok := backend.Container(fresh.ID)
	require.True(t, ok)
	assert.True(t, c.Running)
	assert.Equal(t, 1, mgr.References("alice"))
}

func TestReleaseAfterRecreateKeepsRunningState(t *testing.T) {
	mgr, backend, store := newTestManager(t)
	ctx := context.Background()

	old, err := mgr.Acquire(ctx, "alice", nil)
	require.NoError(t, err)
	backend.Remove(old.ID)

	fresh, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, OutcomeRecreated, fresh.Outcome)

	require.NoError(t, mgr.Release(ctx, "alice", old.ID))

	rec, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, rec.ContainerID)
	assert.Equal(t, storage.StateRunning, rec.State)
	c, ok := backend.Container(fresh.ID)
	require.True(t, ok)
	assert.True(t, c.Running)
}

func TestEnsureChownsHomeToSandboxUser(t *testing.T) {
	backend := containertest.New()
	mgr, err := NewManager(backend, newTestStore(t), Config{
		Image:  "ubuntu:24.04",
		User:   "dev",
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	env, err := mgr.Ensure(context.Background(), "alice")
	require.NoError(t, err)

	require.Len(t, backend.Execs, 2)
	assert.Equal(t, []string{"mkdir", "-p", env.Home}, backend.Execs[0])
	assert.Equal(t, []string{"chown", "dev", env.Home}, backend.Execs[1])
}

func TestAcquireReportsProgress(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	var phases []Phase
	_, err := mgr.Acquire(context.Background(), "alice", func(phase Phase, _ string) {
		phases = append(phases, phase)
	})
	require.NoError(t, err)

	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseInspecting, phases[0])
	assert.Equal(t, PhaseReady, phases[len(phases)-1])
	assert.Contains(t, phases, PhaseCreating)
	assert.Contains(t, phases, PhaseStarting)
}

func TestPathIsolation(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	// Both ids reduce to the same readable slug.
	a, err := mgr.Ensure(ctx, "alice!")
	require.NoError(t, err)
	b, err := mgr.Ensure(ctx, "alice?")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Namespace, b.Namespace)
	assert.NotEqual(t, a.Home, b.Home)

	ca, _ := backend.Container(a.ID)
	cb, _ := backend.Container(b.ID)
	require.Len(t, ca.Spec.Mounts, 1)
	require.Len(t, cb.Spec.Mounts, 1)
	assert.NotEqual(t, ca.Spec.Mounts[0].Source, cb.Spec.Mounts[0].Source)
	assert.Equal(t, a.Home, ca.Spec.Mounts[0].Target)
	assert.Equal(t, b.Home, cb.Spec.Mounts[0].Target)
	assert.Equal(t, a.Namespace, ca.Spec.Labels[LabelNamespace])
}

func TestStatus(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	env, err := mgr.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, container.StatusNone, env.Status)

	created, err := mgr.Ensure(ctx, "alice")
	require.NoError(t, err)

	env, err = mgr.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, container.StatusRunning, env.Status)
	assert.Equal(t, created.ID, env.ID)

	backend.Remove(created.ID)
	env, err = mgr.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, container.StatusNone, env.Status)
}

func TestEnsureRejectsEmptyUser(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Ensure(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidUser)
	_, err = mgr.Acquire(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, Namespace("Alice"), Namespace("Alice"))
	assert.NotEqual(t, Namespace("Alice"), Namespace("alice"))
	assert.Regexp(t, `^alice-[0-9a-f]{8}$`, Namespace("Alice"))
	assert.Regexp(t, `^user-[0-9a-f]{8}$`, Namespace("!!!"))
	assert.Regexp(t, `^a-b-[0-9a-f]{8}$`, Namespace("a / b"))
	assert.Len(t, Namespace("abcdefghijklmnopqrstuvwxyz0123456789abcdefghij"), maxSlugLen+9)
}
