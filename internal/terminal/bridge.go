package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/metrics"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/sandbox"
)

const (
	DefaultRows = 24
	DefaultCols = 80

	defaultTeardownTimeout = 30 * time.Second
)

var (
	// ErrNoSession is returned for input on a connection without a session.
	ErrNoSession = errors.New("no terminal session for connection")
	// ErrMissingProfile is returned when identify carries no profile id.
	ErrMissingProfile = errors.New("profile id is required")
	// ErrDetached is returned when the connection went away while attaching.
	ErrDetached = errors.New("connection detached while attaching")
)

// Lifecycle hands out session references on user sandboxes.
type Lifecycle interface {
	Acquire(ctx context.Context, userID string, progress sandbox.ProgressCallback) (*sandbox.Environment, error)
	Release(ctx context.Context, userID, containerID string) error
}

// Config configures shells spawned by the bridge.
type Config struct {
	// Shell is the interactive shell command.
	Shell []string
	// User runs the shell as this user inside the sandbox. Empty uses the image default.
	User string
	// Env is added to the shell environment.
	Env []string
	// Rows and Cols size the pseudo-terminal at spawn time.
	Rows uint16
	Cols uint16
	// PwdMarkers installs PROMPT_COMMAND so the shell reports its directory.
	PwdMarkers bool

	TeardownTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Bridge attaches interactive shells to connections and relays their I/O.
type Bridge struct {
	lifecycle Lifecycle
	backend   container.Manager
	registry  *Registry
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Collector

	wg sync.WaitGroup
}

// NewBridge creates a terminal bridge.
func NewBridge(lifecycle Lifecycle, backend container.Manager, registry *Registry, cfg Config) *Bridge {
	if len(cfg.Shell) == 0 {
		cfg.Shell = []string{"/bin/bash", "-i"}
	}
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	if registry == nil {
		registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		lifecycle: lifecycle,
		backend:   backend,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Registry returns the session registry.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Attach ensures the user's sandbox and spawns a shell for connID, streaming
// its output to out. A connection that already has a session is left alone
// and Attach returns a nil session and nil error.
func (b *Bridge) Attach(ctx context.Context, connID, profileID string, out Sender) (*Session, error) {
	if profileID == "" {
		return nil, ErrMissingProfile
	}
	if !b.registry.TryRegister(connID) {
		b.metrics.SessionAttached("duplicate")
		b.logger.Debug("ignoring duplicate attach", slog.String("conn", connID))
		return nil, nil
	}

	sess := newSession(connID, profileID, out)
	sess.setState(StateAttaching)

	env, err := b.lifecycle.Acquire(ctx, profileID, func(phase sandbox.Phase, message string) {
		sess.send(EventSandboxStatus, StatusPayload{Phase: string(phase), Message: message})
	})
	if err != nil {
		return nil, b.attachFailed(sess, fmt.Errorf("ensure sandbox: %w", err))
	}
	sess.env = env

	term, err := b.backend.AttachShell(ctx, env.ID, container.ShellOptions{
		Command:    b.cfg.Shell,
		WorkingDir: env.Home,
		Env:        b.shellEnv(env),
		User:       b.cfg.User,
		Rows:       b.cfg.Rows,
		Cols:       b.cfg.Cols,
	})
	if err != nil {
		b.release(sess)
		return nil, b.attachFailed(sess, err)
	}
	sess.term = term

	if !b.registry.bind(sess) {
		_ = term.Close()
		b.release(sess)
		sess.finish()
		b.metrics.SessionAttached("failed")
		return nil, ErrDetached
	}
	sess.setState(StateActive)
	b.metrics.SessionAttached("attached")
	b.logger.Info("terminal attached",
		slog.String("conn", connID),
		slog.String("user", profileID),
		slog.String("container", env.ID))

	b.wg.Add(1)
	go b.pump(sess)
	return sess, nil
}

// Write forwards client input to the shell.
func (b *Bridge) Write(connID string, data string) error {
	sess, ok := b.registry.Get(connID)
	if !ok {
		return ErrNoSession
	}
	if err := sess.term.Write([]byte(data)); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	b.metrics.AddTerminalBytes("in", len(data))
	return nil
}

// Clear types "clear" into the shell.
func (b *Bridge) Clear(connID string) error {
	return b.Write(connID, "clear\n")
}

// RequestPwd types "pwd" into the shell.
func (b *Bridge) RequestPwd(connID string) error {
	return b.Write(connID, "pwd\n")
}

// Resize changes the pseudo-terminal size.
func (b *Bridge) Resize(connID string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", rows, cols)
	}
	sess, ok := b.registry.Get(connID)
	if !ok {
		return ErrNoSession
	}
	return sess.term.Resize(rows, cols)
}

// Detach ends the session for connID: the shell is killed and the session's
// sandbox reference released. Detaching an unknown connection is a no-op.
func (b *Bridge) Detach(connID string) {
	if sess := b.registry.Unregister(connID); sess != nil {
		b.teardown(sess, "disconnect")
	}
}

// Shutdown tears down every session and waits for their relays to finish.
func (b *Bridge) Shutdown(ctx context.Context) error {
	for _, sess := range b.registry.Sessions() {
		b.teardown(sess, "shutdown")
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) pump(sess *Session) {
	defer b.wg.Done()

	var carry []byte
	for {
		data, err := sess.term.Read()
		if len(data) > 0 {
			chunk := append(carry, data...)
			complete, rest := splitIncompleteUTF8(chunk)
			carry = append([]byte(nil), rest...)
			b.forward(sess, string(complete))
		}
		if err != nil {
			break
		}
	}
	if tail := string(carry) + sess.pwd.Flush(); tail != "" {
		sess.send(EventTerminalData, tail)
	}
	b.teardown(sess, "shell exited")
}

func (b *Bridge) forward(sess *Session, text string) {
	visible, pwd, ok := sess.pwd.Process(text)
	if visible != "" {
		sess.send(EventTerminalData, visible)
		b.metrics.AddTerminalBytes("out", len(visible))
	}
	if ok {
		sess.setCwd(pwd)
		sess.send(EventReceivePwd, pwd)
	}
}

func (b *Bridge) teardown(sess *Session, reason string) {
	sess.closeOnce.Do(func() {
		sess.setState(StateTearingDown)
		b.registry.remove(sess)
		if err := sess.term.Close(); err != nil {
			b.logger.Warn("failed to terminate shell",
				slog.String("conn", sess.ConnID),
				slog.Any("error", err))
		}
		b.release(sess)
		sess.finish()
		b.metrics.SessionClosed()
		b.logger.Info("terminal detached",
			slog.String("conn", sess.ConnID),
			slog.String("user", sess.UserID),
			slog.String("reason", reason))
	})
}

func (b *Bridge) release(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.TeardownTimeout)
	defer cancel()
	if err := b.lifecycle.Release(ctx, sess.UserID, sess.env.ID); err != nil {
		b.logger.Warn("failed to release sandbox",
			slog.String("user", sess.UserID),
			slog.String("container", sess.env.ID),
			slog.Any("error", err))
	}
}

func (b *Bridge) attachFailed(sess *Session, err error) error {
	b.registry.release(sess.ConnID)
	sess.send(EventError, ErrorPayload{Message: err.Error()})
	sess.finish()
	b.metrics.SessionAttached("failed")
	b.logger.Error("terminal attach failed",
		slog.String("conn", sess.ConnID),
		slog.String("user", sess.UserID),
		slog.Any("error", err))
	return err
}

func (b *Bridge) shellEnv(env *sandbox.Environment) []string {
	out := []string{"TERM=xterm-256color", "HOME=" + env.Home}
	if b.cfg.PwdMarkers {
		out = append(out, "PROMPT_COMMAND="+PromptCommand)
	}
	return append(out, b.cfg.Env...)
}

// splitIncompleteUTF8 splits off a trailing partial UTF-8 sequence so it can
// be completed by the next chunk. Invalid bytes are not held back.
func splitIncompleteUTF8(b []byte) (complete, rest []byte) {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b, nil
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return b, nil
			}
			return b[:len(b)-i], b[len(b)-i:]
		}
	}
	return b, nil
}

// State is the lifecycle state of a terminal session.
type State int32

const (
	StateIdle State = iota
	StateAttaching
	StateActive
	StateTearingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing_down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one connection's attached shell.
type Session struct {
	ConnID string
	UserID string

	env  *sandbox.Environment
	term container.TerminalConnection
	out  Sender
	pwd  PwdTracker

	state atomic.Int32

	mu  sync.Mutex
	cwd string

	closeOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

func newSession(connID, userID string, out Sender) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ConnID: connID,
		UserID: userID,
		out:    out,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ContainerID returns the sandbox the shell runs in.
func (s *Session) ContainerID() string {
	if s.env == nil {
		return ""
	}
	return s.env.ID
}

// Cwd returns the last observed working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) setCwd(dir string) {
	s.mu.Lock()
	s.cwd = dir
	s.mu.Unlock()
}

func (s *Session) finish() {
	s.setState(StateClosed)
	s.cancel()
	close(s.done)
}

func (s *Session) send(eventType EventType, payload any) {
	if s.out == nil {
		return
	}
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		return
	}
	_ = s.out.Send(s.ctx, ev)
}
