package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/terminal"
)

var errProfileMismatch = errors.New("profile id does not match the authenticated identity")

// handleTerminal upgrades to a WebSocket and runs one terminal connection.
// The session is detached when the client goes away.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	c := &terminalConn{
		server: s,
		conn:   conn,
		id:     newConnID(),
		header: r.Header.Get(s.opts.IdentityHeader),
		out:    &wsSender{conn: conn, timeout: s.opts.WriteTimeout},
	}
	untrack := s.trackConn(conn)
	defer untrack()

	ctx, cancel := context.WithCancel(r.Context())
	defer c.wg.Wait()
	defer conn.CloseNow()
	defer s.bridge.Detach(c.id)
	defer cancel()

	s.logger.Debug("terminal connection opened", slog.String("conn", c.id))
	c.readLoop(ctx)
	s.logger.Debug("terminal connection closed", slog.String("conn", c.id))
}

type terminalConn struct {
	server *Server
	conn   *websocket.Conn
	id     string
	header string
	out    terminal.Sender

	wg sync.WaitGroup
}

func (c *terminalConn) readLoop(ctx context.Context) {
	for {
		var ev terminal.Event
		if err := wsjson.Read(ctx, c.conn, &ev); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.server.logger.Debug("terminal read failed",
					slog.String("conn", c.id),
					slog.Any("error", err))
			}
			return
		}
		if err := c.dispatch(ctx, &ev); err != nil {
			c.server.logger.Debug("terminal event rejected",
				slog.String("conn", c.id),
				slog.String("type", string(ev.Type)),
				slog.Any("error", err))
			c.server.sendError(ctx, c.out, err)
		}
	}
}

func (c *terminalConn) dispatch(ctx context.Context, ev *terminal.Event) error {
	bridge := c.server.bridge
	switch ev.Type {
	case terminal.EventIdentify:
		var p terminal.IdentifyPayload
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode identify: %w", err)
		}
		if c.header != "" && p.ProfileID != c.header {
			c.server.sendError(ctx, c.out, errProfileMismatch)
			_ = c.conn.Close(websocket.StatusPolicyViolation, "profile mismatch")
			return nil
		}
		c.wg.Add(1)
		go c.attach(ctx, p.ProfileID)
		return nil

	case terminal.EventTerminalWrite:
		var data string
		if err := ev.Decode(&data); err != nil {
			return fmt.Errorf("decode terminal_write: %w", err)
		}
		return bridge.Write(c.id, data)

	case terminal.EventClearTerminal:
		return bridge.Clear(c.id)

	case terminal.EventGetPwd:
		return bridge.RequestPwd(c.id)

	case terminal.EventResize:
		var p terminal.ResizePayload
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode resize: %w", err)
		}
		return bridge.Resize(c.id, p.Rows, p.Cols)

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// attach runs the slow sandbox ensure and shell spawn off the read loop so
// the connection keeps draining while the sandbox boots. A failed attach
// closes the connection; so does the shell exiting.
func (c *terminalConn) attach(ctx context.Context, profileID string) {
	defer c.wg.Done()

	sess, err := c.server.bridge.Attach(ctx, c.id, profileID, c.out)
	switch {
	case errors.Is(err, terminal.ErrDetached):
		return
	case errors.Is(err, terminal.ErrMissingProfile):
		c.server.sendError(ctx, c.out, err)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "profile id required")
		return
	case err != nil:
		_ = c.conn.Close(websocket.StatusInternalError, "terminal attach failed")
		return
	case sess == nil:
		return
	}

	select {
	case <-sess.Done():
		_ = c.conn.Close(websocket.StatusNormalClosure, "terminal session ended")
	case <-ctx.Done():
	}
}
