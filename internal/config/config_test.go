package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfigHappyPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
type: sandboxd
version: 1
listen: ${{ vars.listen }}
docker:
  host: unix://${{ env.XDG_RUNTIME_DIR }}/docker.sock
sandbox:
  image: ghcr.io/example/ide:${{ vars.tag }}
  home: /workspaces/${{ vars.user }}
  volume: ide-home
  stop-timeout: 3s
  labels:
    team: ${{ vars.team }}
  mounts:
    - source: ${{ env.HOME }}/cache
      target: /cache
      read-only: true
terminal:
  rows: 40
  cols: 120
store:
  driver: postgres
  dsn: postgres://ide@db/${{ vars.db }}
log:
  level: debug
  format: json
server:
  allowed-origins: ["https://ide.example.com"]
`)

	env := map[string]string{"HOME": "/Users/test", "XDG_RUNTIME_DIR": "/run/user/1000"}
	vars := map[string]string{"listen": ":9090", "tag": "v2", "team": "core", "db": "sandboxes"}
	cfg, err := Load(path, env, vars)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "unix:///run/user/1000/docker.sock", cfg.Docker.Host)
	assert.Equal(t, "ghcr.io/example/ide:v2", cfg.Sandbox.Image)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.StopTimeout)
	assert.Equal(t, "core", cfg.Sandbox.Labels["team"])
	assert.Equal(t, "/Users/test/cache", cfg.Sandbox.Mounts[0].Source)
	assert.Equal(t, uint16(40), cfg.Terminal.Rows)
	assert.Equal(t, uint16(120), cfg.Terminal.Cols)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://ide@db/sandboxes", cfg.Store.DSN)
	assert.Equal(t, []string{"https://ide.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, path, cfg.SourcePath())

	// Defaults fill what the file leaves out.
	assert.Equal(t, "vibethis-sandbox", cfg.Sandbox.NamePrefix)
	assert.Equal(t, []string{"/bin/bash", "-i"}, cfg.Sandbox.Shell)
	assert.Equal(t, "X-Profile-Id", cfg.Server.IdentityHeader)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxMessageBytes)

	home, err := cfg.HomePath("alice-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, "/workspaces/alice-1a2b3c4d", home)
	assert.Equal(t, "/workspaces/bob-00000000", cfg.HomeFunc()("bob-00000000"))

	mb, err := cfg.MountBuilder()
	require.NoError(t, err)
	mounts := mb.BuildMounts("alice-1a2b3c4d", home)
	require.Len(t, mounts, 2)
	assert.Equal(t, "ide-home-alice-1a2b3c4d", mounts[0].Source)
	assert.True(t, mounts[1].ReadOnly)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{
			name:   "wrong type",
			body:   "type: ide-sandbox\nversion: 1\nsandbox:\n  image: x\n",
			errMsg: "unsupported config type",
		},
		{
			name:   "wrong version",
			body:   "type: sandboxd\nversion: 2\nsandbox:\n  image: x\n",
			errMsg: "unsupported config version",
		},
		{
			name:   "missing image",
			body:   "type: sandboxd\nversion: 1\n",
			errMsg: "sandbox.image is required",
		},
		{
			name:   "unknown env",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: ${{ env.NOPE }}\n",
			errMsg: `env "NOPE" not found`,
		},
		{
			name:   "unknown scope",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: ${{ secrets.X }}\n",
			errMsg: "unknown template scope",
		},
		{
			name:   "relative home",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: x\n  home: home/${{ vars.user }}\n",
			errMsg: "must be absolute",
		},
		{
			name:   "home references unknown var",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: x\n  home: /home/${{ vars.who }}\n",
			errMsg: "sandbox.home",
		},
		{
			name:   "bad mount",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: x\n  mounts:\n    - source: /a\n      target: rel\n",
			errMsg: "must be absolute",
		},
		{
			name:   "bad driver",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: x\nstore:\n  driver: mysql\n  dsn: x\n",
			errMsg: "unsupported store.driver",
		},
		{
			name:   "postgres without dsn",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: x\nstore:\n  driver: postgres\n",
			errMsg: "store.dsn is required",
		},
		{
			name:   "bad log level",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: x\nlog:\n  level: loud\n",
			errMsg: "unsupported log.level",
		},
		{
			name:   "negative message limit",
			body:   "type: sandboxd\nversion: 1\nsandbox:\n  image: x\nserver:\n  max-message-bytes: -1\n",
			errMsg: "server.max-message-bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path, nil, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadOrDefaultUsesEmbedded(t *testing.T) {
	cfg, usedDefault, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"), nil, nil)
	require.NoError(t, err)
	assert.True(t, usedDefault)
	assert.Equal(t, "ubuntu:24.04", cfg.Sandbox.Image)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.Terminal.PwdMarkers)
	assert.Equal(t, "vibethis-home", cfg.Sandbox.Volume)
	assert.Empty(t, cfg.Docker.Host)
	assert.Equal(t, int64(1048576), cfg.Server.MaxMessageBytes)

	home, err := cfg.HomePath("carol-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "/home/carol-deadbeef", home)
}

func TestLoadOrDefaultPrefersFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "type: sandboxd\nversion: 1\nsandbox:\n  image: alpine:3.20\n")
	cfg, usedDefault, err := LoadOrDefault(path, nil, nil)
	require.NoError(t, err)
	assert.False(t, usedDefault)
	assert.Equal(t, "alpine:3.20", cfg.Sandbox.Image)
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}
	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestExpandTemplates(t *testing.T) {
	out, err := expandTemplates("a-${{env.X}}-${{ vars.Y }}", map[string]string{"X": "1"}, map[string]string{"Y": "2"})
	require.NoError(t, err)
	assert.Equal(t, "a-1-2", out)

	_, err = expandTemplates("${{ X }}", nil, nil)
	assert.ErrorContains(t, err, "missing scope")

	out, err = expandTemplates(`${{ env.MISSING || "fallback" }}/${{ vars.Y || z }}`, nil, map[string]string{"Y": "set"})
	require.NoError(t, err)
	assert.Equal(t, "fallback/set", out)

	out, err = expandTemplates("${{ env.MISSING || '' }}", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = expandTemplates("plain $HOME", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain $HOME", out)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SANDBOXD_TEST_DOTENV=from-file\n"), 0o644))
	t.Setenv("SANDBOXD_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("SANDBOXD_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", HostEnv()["SANDBOXD_TEST_DOTENV"])
}
