package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mapSecrets map[string]string

func (m mapSecrets) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 15, cfg.StartCost)
	require.Equal(t, 24*time.Hour, cfg.LeaseDuration)
	require.Equal(t, 50, cfg.LogTail)
	require.Equal(t, []string{"admin"}, cfg.Admins)
	require.Equal(t, BackendSQLite, cfg.StateBackend)
	require.Equal(t, 60, cfg.CommandsPerMinute)
}

func TestYAMLThenEnvThenSecrets(t *testing.T) {
	path := writeFile(t, "bothost.yaml", `
listen: ":9000"
bots_root: /srv/bots
admins: [root, ops]
state:
  backend: badger
  badger_path: /srv/state
lease:
  start_cost: 20
  duration: 12h
process:
  grace_window: 500ms
  python_bin: /usr/bin/python3.12
  commands_per_minute: 0
bot_logs:
  capacity: 200
  tail: 20
log:
  level: debug
  compress: false
`)
	t.Setenv("BOTHOST_START_COST", "25")
	t.Setenv("BOTHOST_SWEEP_INTERVAL", "1m")

	cfg, err := Load(path, mapSecrets{
		"env/BOTHOST_LISTEN":     ":9100",
		"env/BOTHOST_START_COST": "99", // OS 环境变量优先
	})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9100", cfg.Listen)
	require.Equal(t, "/srv/bots", cfg.BotsRoot)
	require.Equal(t, []string{"root", "ops"}, cfg.Admins)
	require.Equal(t, BackendBadger, cfg.StateBackend)
	require.Equal(t, 25, cfg.StartCost)
	require.Equal(t, 12*time.Hour, cfg.LeaseDuration)
	require.Equal(t, time.Minute, cfg.SweepInterval)
	require.Equal(t, 500*time.Millisecond, cfg.GraceWindow)
	require.Equal(t, "/usr/bin/python3.12", cfg.PythonBin)
	require.Equal(t, "node", cfg.NodeBin)
	require.Equal(t, 0, cfg.CommandsPerMinute)
	require.Equal(t, 200, cfg.LogCapacity)
	require.Equal(t, "debug", cfg.Log.Level)
	require.False(t, cfg.Log.Compress)
}

func TestJSONFile(t *testing.T) {
	path := writeFile(t, "bothost.json", `{"listen":":7000","lease":{"duration":"30m"}}`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Listen)
	require.Equal(t, 30*time.Minute, cfg.LeaseDuration)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeFile(t, "bothost.toml", "x=1"), nil)
	require.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "lease:\n  duration: soon\n"), nil)
	require.Error(t, err)

	t.Setenv("BOTHOST_LOG_TAIL", "many")
	_, err = Load("", nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown backend": func(c *Config) { c.StateBackend = "etcd" },
		"tail > capacity": func(c *Config) { c.LogTail = c.LogCapacity + 1 },
		"negative cost":   func(c *Config) { c.StartCost = -1 },
		"no admins":       func(c *Config) { c.Admins = nil },
		"zero lease":      func(c *Config) { c.LeaseDuration = 0 },
		"empty root":      func(c *Config) { c.BotsRoot = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestGetenv(t *testing.T) {
	secrets := mapSecrets{"env/BOTHOST_X": " from-secrets "}
	require.Equal(t, "from-secrets", Getenv(secrets, "BOTHOST_X"))

	t.Setenv("BOTHOST_X", "from-env")
	require.Equal(t, "from-env", Getenv(secrets, "BOTHOST_X"))
	require.Equal(t, "", Getenv(nil, "BOTHOST_MISSING"))
	require.Equal(t, "def", GetenvDefault(nil, "BOTHOST_MISSING", "def"))
	require.Equal(t, "", Getenv(secrets, " "))
}
