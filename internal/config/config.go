// Package config loads the sandboxd configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/divisive-ai/vibethis/server/sandbox/internal/container"
)

const (
	expectedType    = "sandboxd"
	expectedVersion = 1

	// UserVar is the template variable bound to the user namespace in sandbox.home.
	UserVar = "user"
)

// Config represents a parsed sandboxd.yaml.
type Config struct {
	Type     string         `yaml:"type"`
	Version  int            `yaml:"version"`
	Listen   string         `yaml:"listen"`
	Docker   DockerConfig   `yaml:"docker"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Terminal TerminalConfig `yaml:"terminal"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`

	sourcePath string
	env        map[string]string
	vars       map[string]string
}

// DockerConfig locates the Docker daemon.
type DockerConfig struct {
	Host string `yaml:"host"`
}

// SandboxConfig describes the per-user sandbox containers.
type SandboxConfig struct {
	Image       string            `yaml:"image"`
	NamePrefix  string            `yaml:"name-prefix"`
	Hostname    string            `yaml:"hostname"`
	Command     []string          `yaml:"command"`
	Shell       []string          `yaml:"shell"`
	User        string            `yaml:"user"`
	Home        string            `yaml:"home"`
	Volume      string            `yaml:"volume"`
	StopTimeout time.Duration     `yaml:"stop-timeout"`
	Env         []string          `yaml:"env"`
	Labels      map[string]string `yaml:"labels"`
	Mounts      []Mount           `yaml:"mounts"`
}

// Mount is an extra mount attached to every sandbox.
type Mount struct {
	Type     string `yaml:"type"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read-only"`
}

// TerminalConfig sizes interactive shells.
type TerminalConfig struct {
	Rows       uint16 `yaml:"rows"`
	Cols       uint16 `yaml:"cols"`
	PwdMarkers bool   `yaml:"pwd-markers"`
}

// StoreConfig selects the sandbox record database.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	AllowedOrigins  []string      `yaml:"allowed-origins"`
	IdentityHeader  string        `yaml:"identity-header"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	MaxMessageBytes int64         `yaml:"max-message-bytes"`
}

// Load parses and validates a config file with template expansion.
func Load(path string, env map[string]string, vars map[string]string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sandboxd config: %w", err)
	}
	return loadFromData(data, path, env, vars)
}

func loadFromData(data []byte, path string, env, vars map[string]string) (*Config, error) {
	if env == nil {
		env = map[string]string{}
	}
	if vars == nil {
		vars = map[string]string{}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse sandboxd config: %w", err)
	}
	cfg.sourcePath = path
	cfg.env = env
	cfg.vars = vars

	cfg.applyDefaults()
	if err := cfg.applyTemplates(env, vars); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SourcePath returns the file the config was loaded from.
func (c *Config) SourcePath() string {
	return c.sourcePath
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8080"
	}
	if c.Sandbox.NamePrefix == "" {
		c.Sandbox.NamePrefix = "vibethis-sandbox"
	}
	if len(c.Sandbox.Command) == 0 {
		c.Sandbox.Command = []string{"sleep", "infinity"}
	}
	if len(c.Sandbox.Shell) == 0 {
		c.Sandbox.Shell = []string{"/bin/bash", "-i"}
	}
	if c.Sandbox.Home == "" {
		c.Sandbox.Home = "/home/${{ vars." + UserVar + " }}"
	}
	if c.Sandbox.StopTimeout == 0 {
		c.Sandbox.StopTimeout = 10 * time.Second
	}
	if c.Terminal.Rows == 0 {
		c.Terminal.Rows = 24
	}
	if c.Terminal.Cols == 0 {
		c.Terminal.Cols = 80
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = "data/sandboxes.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Server.IdentityHeader == "" {
		c.Server.IdentityHeader = "X-Profile-Id"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 1 << 20
	}
}

func (c *Config) applyTemplates(env, vars map[string]string) error {
	var err error
	expand := func(field string, value *string) {
		if err != nil {
			return
		}
		var out string
		out, err = expandTemplates(*value, env, vars)
		if err != nil {
			err = fmt.Errorf("%s: %w", field, err)
			return
		}
		*value = out
	}

	expand("listen", &c.Listen)
	expand("docker.host", &c.Docker.Host)
	expand("sandbox.image", &c.Sandbox.Image)
	expand("sandbox.name-prefix", &c.Sandbox.NamePrefix)
	expand("sandbox.hostname", &c.Sandbox.Hostname)
	expand("sandbox.user", &c.Sandbox.User)
	expand("sandbox.volume", &c.Sandbox.Volume)
	expand("store.dsn", &c.Store.DSN)
	for i := range c.Sandbox.Mounts {
		expand(fmt.Sprintf("sandbox.mounts[%d].source", i), &c.Sandbox.Mounts[i].Source)
		expand(fmt.Sprintf("sandbox.mounts[%d].target", i), &c.Sandbox.Mounts[i].Target)
	}
	for k := range c.Sandbox.Labels {
		v := c.Sandbox.Labels[k]
		expand("sandbox.labels."+k, &v)
		c.Sandbox.Labels[k] = v
	}
	if err != nil {
		return err
	}
	if err := expandAll(c.Sandbox.Env, env, vars, "sandbox.env"); err != nil {
		return err
	}
	if err := expandAll(c.Sandbox.Command, env, vars, "sandbox.command"); err != nil {
		return err
	}
	return expandAll(c.Sandbox.Shell, env, vars, "sandbox.shell")
}

func (c *Config) validate() error {
	if c.Type != expectedType {
		return fmt.Errorf("unsupported config type %q (expected %q)", c.Type, expectedType)
	}
	if c.Version != expectedVersion {
		return fmt.Errorf("unsupported config version %d (expected %d)", c.Version, expectedVersion)
	}
	if strings.TrimSpace(c.Sandbox.Image) == "" {
		return errors.New("sandbox.image is required")
	}
	home, err := c.HomePath("probe")
	if err != nil {
		return fmt.Errorf("sandbox.home: %w", err)
	}
	if !strings.HasPrefix(home, "/") {
		return fmt.Errorf("sandbox.home %q must be absolute", c.Sandbox.Home)
	}
	if _, err := c.MountBuilder(); err != nil {
		return fmt.Errorf("sandbox.mounts: %w", err)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store.driver %q (expected sqlite or postgres)", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unsupported log.format %q (expected text or json)", c.Log.Format)
	}
	if c.Server.MaxMessageBytes < 0 {
		return fmt.Errorf("server.max-message-bytes must be positive, got %d", c.Server.MaxMessageBytes)
	}
	return nil
}

// HomePath expands sandbox.home for the given user namespace.
func (c *Config) HomePath(namespace string) (string, error) {
	vars := make(map[string]string, len(c.vars)+1)
	for k, v := range c.vars {
		vars[k] = v
	}
	vars[UserVar] = namespace
	return expandTemplates(c.Sandbox.Home, c.env, vars)
}

// HomeFunc returns HomePath as a function. The template was validated at
// load time, so expansion cannot fail for a non-empty namespace.
func (c *Config) HomeFunc() func(namespace string) string {
	return func(namespace string) string {
		home, err := c.HomePath(namespace)
		if err != nil {
			return "/home/" + namespace
		}
		return home
	}
}

// MountBuilder builds the per-user mount set.
func (c *Config) MountBuilder() (*container.MountBuilder, error) {
	extra := make([]container.Mount, 0, len(c.Sandbox.Mounts))
	for _, m := range c.Sandbox.Mounts {
		extra = append(extra, container.Mount{
			Type:     m.Type,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return container.NewMountBuilder(c.Sandbox.Volume, extra)
}

// NewLogger builds the process logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log.level %q", s)
	}
}
