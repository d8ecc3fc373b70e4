package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/server"
	"github.com/divisive-ai/vibethis/server/sandbox/internal/terminal"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sandbox API and terminal WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				if listen == "" {
					listen = a.cfg.Listen
				}
				return serve(ctx, a, listen)
			})
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides the config)")
	return cmd
}

func serve(ctx context.Context, a *app, listen string) error {
	if err := a.backend.Ping(ctx); err != nil {
		a.logger.Warn("container backend not reachable at startup", slog.Any("error", err))
	}

	bridge := terminal.NewBridge(a.mgr, a.backend, terminal.NewRegistry(), terminal.Config{
		Shell:      a.cfg.Sandbox.Shell,
		User:       a.cfg.Sandbox.User,
		Rows:       a.cfg.Terminal.Rows,
		Cols:       a.cfg.Terminal.Cols,
		PwdMarkers: a.cfg.Terminal.PwdMarkers,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})

	health := server.NewHealthChecker(a.logger)
	health.AddCheck("backend", a.backend.Ping)
	health.AddCheck("store", a.store.Ping)

	srv := server.New(a.mgr, a.exec, a.trees, bridge, server.Options{
		IdentityHeader:  a.cfg.Server.IdentityHeader,
		AllowedOrigins:  a.cfg.Server.AllowedOrigins,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		MaxMessageBytes: a.cfg.Server.MaxMessageBytes,
		Health:          health,
		Logger:          a.logger,
		Metrics:         a.metrics,
	})
	return srv.ListenAndServe(ctx, listen)
}
