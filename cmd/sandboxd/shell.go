package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/moby/term"
	"github.com/spf13/cobra"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/terminal"
)

func newShellCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <user>",
		Short: "Open an interactive shell in the user's sandbox",
		Long:  "Open an interactive shell in the user's sandbox. The sandbox keeps running after the shell exits.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				env, err := a.running(ctx, args[0])
				if err != nil {
					return err
				}
				return runShell(ctx, a, env.ID, env.Home, os.Stdin, os.Stdout)
			})
		},
	}
}

func runShell(ctx context.Context, a *app, containerID, home string, stdin *os.File, stdout io.Writer) error {
	fd := stdin.Fd()
	rows, cols := uint16(terminal.DefaultRows), uint16(terminal.DefaultCols)
	if a.cfg.Terminal.Rows > 0 && a.cfg.Terminal.Cols > 0 {
		rows, cols = a.cfg.Terminal.Rows, a.cfg.Terminal.Cols
	}
	if ws, err := term.GetWinsize(fd); err == nil && ws != nil && ws.Height > 0 {
		rows, cols = ws.Height, ws.Width
	}

	conn, err := a.backend.AttachShell(ctx, containerID, container.ShellOptions{
		Command:    a.cfg.Sandbox.Shell,
		WorkingDir: home,
		Env:        []string{"TERM=xterm-256color", "HOME=" + home},
		User:       a.cfg.Sandbox.User,
		Rows:       rows,
		Cols:       cols,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	if term.IsTerminal(fd) {
		if st, err := term.MakeRaw(fd); err == nil {
			defer term.RestoreTerminal(fd, st)
		}
		stop := startResizeWatcher(ctx, fd, conn)
		defer stop()
	}

	errCh := make(chan error, 2)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				if werr := conn.Write(buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()
	go func() {
		for {
			data, err := conn.Read()
			if len(data) > 0 {
				if _, werr := stdout.Write(data); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("shell session: %w", err)
	}
}

// startResizeWatcher forwards local window size changes to the shell.
func startResizeWatcher(ctx context.Context, fd uintptr, conn container.TerminalConnection) func() {
	resize := func() {
		if ws, err := term.GetWinsize(fd); err == nil && ws != nil {
			_ = conn.Resize(ws.Height, ws.Width)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)

	done := make(chan struct{})
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-sigCh:
				resize()
			}
		}
	}()

	return func() {
		close(done)
	}
}
