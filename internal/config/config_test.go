package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/livesup/internal/service"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const sample = `
env = ["GREETING=hello", "SHARED=from-list"]
env_files = ["app.env"]

[supervisor]
port = 4040
logs_dir = "var/logs"
health_check_interval = "2s"
start_stagger = "50ms"

[log]
level = "debug"
format = "json"
max_backups = 5

[metrics]
enabled = true

[[services]]
name = "agenda"
command = ["bin/agenda", "--verbose"]
restart_policy = "always"
max_restarts = 3

[[services]]
name = "reminders"
command = "bin/reminders"
health_check = false
env = ["MODE=batch"]
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.env", "# comment\nSHARED=from-file\nFILEONLY=1\n")
	path := writeFile(t, dir, "livesup.toml", sample)

	fc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4040, fc.Supervisor.Port)
	assert.Equal(t, "localhost", fc.Supervisor.Host)
	assert.Equal(t, 2*time.Second, fc.Supervisor.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, fc.Supervisor.HealthCheckTimeout)
	assert.Equal(t, 50*time.Millisecond, fc.Supervisor.StartStagger)
	assert.Equal(t, filepath.Join(dir, "var/logs"), fc.Supervisor.LogsDir)

	specs, err := fc.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "agenda", specs[0].Name)
	assert.Equal(t, []string{"bin/agenda", "--verbose"}, specs[0].Command)
	assert.Equal(t, service.RestartAlways, specs[0].RestartPolicy)
	assert.Equal(t, 3, specs[0].MaxRestarts)
	assert.True(t, specs[0].HealthCheckEnabled)

	assert.Equal(t, []string{"bin/reminders"}, specs[1].Command)
	assert.Equal(t, service.RestartOnFailure, specs[1].RestartPolicy)
	assert.Equal(t, 10, specs[1].MaxRestarts)
	assert.False(t, specs[1].HealthCheckEnabled)
	assert.Equal(t, []string{"MODE=batch"}, specs[1].Env)

	sc, err := fc.SupervisorConfig()
	require.NoError(t, err)
	assert.True(t, sc.Metrics)
	assert.Equal(t, 5, sc.Log.MaxBackups)
	assert.Equal(t, []string{"SHARED=from-file", "FILEONLY=1", "GREETING=hello", "SHARED=from-list"}, sc.Env)

	opts := fc.LoggerOptions()
	assert.Equal(t, "debug", opts.Level)
	assert.Equal(t, "json", opts.Format)
}

func TestLoadEnvOverridesPort(t *testing.T) {
	t.Setenv("SIMULABRA_PORT", "5050")
	path := writeFile(t, t.TempDir(), "c.toml", "[supervisor]\nport = 4040\n")
	fc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5050, fc.Supervisor.Port)

	t.Setenv("LIVESUP_PORT", "6060")
	fc, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6060, fc.Supervisor.Port)
}

func TestLoadRejectsInvalidServices(t *testing.T) {
	cases := map[string]string{
		"no command": "[[services]]\nname = \"a\"\n",
		"bad policy": "[[services]]\nname = \"a\"\ncommand = [\"x\"]\nrestart_policy = \"sometimes\"\n",
		"duplicate":  "[[services]]\nname = \"a\"\ncommand = [\"x\"]\n[[services]]\nname = \"a\"\ncommand = [\"y\"]\n",
		"negative":   "[[services]]\nname = \"a\"\ncommand = [\"x\"]\nmax_restarts = -2\n",
	}
	for name, body := range cases {
		path := writeFile(t, t.TempDir(), "c.toml", body)
		_, err := Load(path)
		assert.ErrorIs(t, err, service.ErrInvalidSpec, name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestNodeFromEnv(t *testing.T) {
	t.Setenv("AGENDA_SERVICE_NAME", "agenda")
	t.Setenv("SIMULABRA_PORT", "4141")
	c, err := NodeFromEnv()
	require.NoError(t, err)
	assert.Nil(t, c.TLS)
	assert.Equal(t, "agenda", c.Name)
	assert.Equal(t, 4141, c.Port)
	assert.Equal(t, "localhost", c.Host)

	t.Setenv("LIVESUP_SERVICE_NAME", "svc1")
	t.Setenv("LIVESUP_HOST", "10.0.0.2")
	c, err = NodeFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "svc1", c.Name)
	assert.Equal(t, "10.0.0.2", c.Host)
}
