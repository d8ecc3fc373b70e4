package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/config"
)

const defaultConfigPath = "sandboxd.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath    string
	envFile       string
	templatePairs []string
	verbose       bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "sandboxd",
		Short:         "Per-user sandbox containers with browser terminal sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to sandboxd config (embedded default when missing)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Dotenv file loaded before the config")
	flags.StringArrayVarP(&opts.templatePairs, "var", "v", nil, "Template variable for the config (key=value)")
	flags.BoolVarP(&opts.verbose, "verbose", "V", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newEnsureCmd(opts),
		newStatusCmd(opts),
		newStopCmd(opts),
		newTreeCmd(opts),
		newExecCmd(opts),
		newShellCmd(opts),
	)
	return cmd
}

// loadConfig reads the dotenv file and the config with CLI template vars.
func (o *globalOptions) loadConfig(stderr io.Writer) (*config.Config, error) {
	vars, err := parseTemplateVars(o.templatePairs)
	if err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, err
	}
	cfg, usedDefault, err := config.LoadOrDefault(o.configPath, config.HostEnv(), vars)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	if usedDefault {
		cfg.NewLogger(stderr).Debug("config not found, using embedded default", slog.String("path", o.configPath))
	}
	return cfg, nil
}

func parseTemplateVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid var %q (expected key=value)", pair)
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("invalid var %q (empty key)", pair)
		}
		if key == config.UserVar {
			return nil, fmt.Errorf("invalid var %q (%s is reserved for the sandbox namespace)", pair, config.UserVar)
		}
		vars[key] = parts[1]
	}
	return vars, nil
}

// setupSignals returns a context cancelled on SIGTERM. When interactive is
// set, SIGINT is ignored so Ctrl-C reaches the sandbox shell; otherwise
// SIGINT cancels too.
func setupSignals(interactive bool) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	if interactive {
		signal.Ignore(syscall.SIGINT)
		signal.Notify(sigCh, syscall.SIGTERM)
	} else {
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
