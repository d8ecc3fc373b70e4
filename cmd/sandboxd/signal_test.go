package main

import (
	"os/signal"
	"syscall"
	"testing"
	"time"
)

// An interactive shell ignores SIGINT at the CLI level so Ctrl-C flows to the
// sandbox shell instead of terminating the process.
func TestInteractiveIgnoresSIGINT(t *testing.T) {
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := setupSignals(true)
	defer func() {
		cancel()
		signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	}()

	if !signal.Ignored(syscall.SIGINT) {
		t.Fatalf("SIGINT not ignored in interactive mode")
	}

	_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	select {
	case <-ctx.Done():
		t.Fatal("context cancelled on SIGINT (unexpected)")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSIGTERMCancelsContext(t *testing.T) {
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := setupSignals(false)
	defer func() {
		cancel()
		signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	}()

	_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled on SIGTERM")
	}
}
