package main

import (
	"context"
	"fmt"
	"path"

	"github.com/spf13/cobra"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
)

// runWithApp loads the config, builds the app and runs fn with a signal-aware context.
func runWithApp(cmd *cobra.Command, opts *globalOptions, interactive bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := newApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := setupSignals(interactive)
	defer cancel()
	return fn(ctx, a)
}

func newEnsureCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure <user>",
		Short: "Create or start the user's sandbox and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				env, err := a.running(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), env)
			})
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <user>",
		Short: "Print the user's sandbox without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				env, err := a.mgr.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), env)
			})
		},
	}
}

func newStopCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <user>",
		Short: "Stop the user's sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				env, err := a.mgr.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if env.Status == container.StatusNone {
					fmt.Fprintf(cmd.OutOrStdout(), "no sandbox for %s\n", args[0])
					return nil
				}
				if err := a.mgr.Stop(ctx, args[0], env.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", env.ID)
				return nil
			})
		},
	}
}

func newTreeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <user> [path]",
		Short: "Print the directory tree of the user's sandbox as JSON",
		Long:  "Print the directory tree under path. Relative paths resolve against the user's home.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				env, err := a.running(ctx, args[0])
				if err != nil {
					return err
				}
				dir := env.Home
				if len(args) == 2 {
					if path.IsAbs(args[1]) {
						dir = path.Clean(args[1])
					} else {
						dir = path.Join(env.Home, args[1])
					}
				}
				tree, err := a.trees.Build(ctx, env.ID, dir)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tree)
			})
		},
	}
}

func newExecCmd(opts *globalOptions) *cobra.Command {
	var line bool
	cmd := &cobra.Command{
		Use:   "exec <user> -- <command> [args...]",
		Short: "Run a command in the user's sandbox and print its output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				env, err := a.running(ctx, args[0])
				if err != nil {
					return err
				}
				var out string
				if line {
					out, err = a.exec.Exec(ctx, env.ID, args[1])
				} else {
					out, err = a.exec.ExecArgs(ctx, env.ID, args[1:])
				}
				if err != nil {
					return err
				}
				if out != "" {
					fmt.Fprintln(cmd.OutOrStdout(), out)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&line, "line", "l", false, "Treat the command as one whitespace-separated line")
	return cmd
}
