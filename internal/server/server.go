// Package server exposes sandbox sessions over HTTP: a WebSocket endpoint for
// the real-time terminal channel and a small REST surface for ensure, status,
// directory tree and command execution.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/metrics"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/sandbox"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/terminal"
)

const (
	defaultIdentityHeader  = "X-Profile-Id"
	defaultShutdownTimeout = 15 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	maxBodyBytes           = 1 << 20
	defaultMaxMessageBytes = 1 << 20

	// ErrorHeader carries the underlying error on degraded tree responses.
	ErrorHeader = "X-Sandbox-Error"
)

// Options configures the HTTP server.
type Options struct {
	// IdentityHeader names the header the auth layer sets to the caller's profile id.
	IdentityHeader string
	// AllowedOrigins are host patterns accepted for cross-origin WebSocket upgrades.
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	// WriteTimeout bounds a single event write to a WebSocket client.
	WriteTimeout time.Duration
	// MaxMessageBytes caps a single inbound WebSocket event.
	MaxMessageBytes int64

	Health  *HealthChecker
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Server serves the sandbox API.
type Server struct {
	sandboxes *sandbox.Manager
	exec      *sandbox.Executor
	trees     *sandbox.TreeBuilder
	bridge    *terminal.Bridge
	opts      Options
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New creates a Server.
func New(mgr *sandbox.Manager, exec *sandbox.Executor, trees *sandbox.TreeBuilder, bridge *terminal.Bridge, opts Options) *Server {
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = defaultIdentityHeader
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Health == nil {
		opts.Health = NewHealthChecker(logger)
	}
	return &Server{
		sandboxes: mgr,
		exec:      exec,
		trees:     trees,
		bridge:    bridge,
		opts:      opts,
		logger:    logger,
		conns:     make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleTerminal)
	mux.HandleFunc("POST /api/sandbox", s.handleEnsure)
	mux.HandleFunc("GET /api/sandbox", s.handleStatus)
	mux.HandleFunc("GET /api/tree", s.handleTree)
	mux.HandleFunc("POST /api/exec", s.handleExec)
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	return mux
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then closes every terminal
// session and drains in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("sandboxd listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", slog.Int("sessions", s.bridge.Registry().Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.bridge.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("terminal sessions did not drain", slog.Any("error", err))
	}
	s.closeConns(websocket.StatusGoingAway, "server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) trackConn(conn *websocket.Conn) func() {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}
}

func (s *Server) closeConns(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}

// userID returns the caller identity set by the auth layer.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(s.opts.IdentityHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing %s header", s.opts.IdentityHeader))
		return "", false
	}
	return id, true
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	env, err := s.sandboxes.Ensure(r.Context(), user)
	if err != nil {
		s.fail(w, r, "ensure sandbox", err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	env, err := s.sandboxes.Status(r.Context(), user)
	if err != nil {
		s.fail(w, r, "inspect sandbox", err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// handleTree returns the directory tree under ?path=, relative to the user's
// home unless absolute. A failed build answers 502 with an empty tree.
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	env, err := s.sandboxes.Ensure(r.Context(), user)
	if err != nil {
		s.fail(w, r, "ensure sandbox", err)
		return
	}

	dir := resolvePath(env.Home, r.URL.Query().Get("path"))
	tree, err := s.trees.Build(r.Context(), env.ID, dir)
	if err != nil {
		s.logger.Error("directory tree failed",
			slog.String("user", user),
			slog.String("path", dir),
			slog.Any("error", err))
		w.Header().Set(ErrorHeader, err.Error())
		writeJSON(w, http.StatusBadGateway, sandbox.NewTree())
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// ExecRequest is the body of POST /api/exec. Args takes precedence over Command.
type ExecRequest struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// ExecResponse is the result of POST /api/exec.
type ExecResponse struct {
	ContainerID string `json:"containerId"`
	Output      string `json:"output"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req ExecRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.Args) == 0 && req.Command == "" {
		writeError(w, http.StatusBadRequest, sandbox.ErrEmptyCommand)
		return
	}

	env, err := s.sandboxes.Ensure(r.Context(), user)
	if err != nil {
		s.fail(w, r, "ensure sandbox", err)
		return
	}

	var out string
	if len(req.Args) > 0 {
		out, err = s.exec.ExecArgs(r.Context(), env.ID, req.Args)
	} else {
		out, err = s.exec.Exec(r.Context(), env.ID, req.Command)
	}
	if err != nil {
		s.fail(w, r, "exec", err)
		return
	}
	writeJSON(w, http.StatusOK, ExecResponse{ContainerID: env.ID, Output: out})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := s.opts.Health.CheckReady(r.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	level := slog.LevelWarn
	if code >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, op+" failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", code),
		slog.Any("error", err))
	writeError(w, code, err)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var (
		execErr   *container.ExecutionChannelError
		streamErr *container.StreamError
	)
	switch {
	case errors.Is(err, container.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, sandbox.ErrInvalidUser), errors.Is(err, sandbox.ErrEmptyCommand):
		return http.StatusBadRequest
	case errors.As(err, &execErr), errors.As(err, &streamErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func resolvePath(home, p string) string {
	switch {
	case p == "":
		return home
	case path.IsAbs(p):
		return path.Clean(p)
	default:
		return path.Join(home, p)
	}
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newConnID() string {
	return uuid.NewString()
}

// wsSender writes events to one WebSocket connection.
type wsSender struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSender) Send(ctx context.Context, ev *terminal.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, ev)
}

var _ terminal.Sender = (*wsSender)(nil)

func (s *Server) sendError(ctx context.Context, out terminal.Sender, err error) {
	ev, evErr := terminal.NewEvent(terminal.EventError, terminal.ErrorPayload{Message: err.Error()})
	if evErr != nil {
		return
	}
	_ = out.Send(ctx, ev)
}
