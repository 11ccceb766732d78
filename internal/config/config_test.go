package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Daemon.Host)
	assert.Equal(t, 3310, cfg.Daemon.Port)
	assert.Equal(t, 300*time.Millisecond, cfg.Daemon.PingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Daemon.CommandTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Daemon.ReadyInterval)
	assert.Equal(t, 45*time.Second, cfg.Daemon.ReadyDeadline)
	assert.Equal(t, 700*time.Millisecond, cfg.Daemon.ShutdownGrace)
	assert.Equal(t, 700*time.Millisecond, cfg.Monitor.Debounce)
	assert.Equal(t, 5, cfg.Monitor.ReadyRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Monitor.ReadyInterval)
	assert.Equal(t, 30*time.Second, cfg.Service.KeepaliveInterval)
	assert.Equal(t, BackendJSON, cfg.Store.Backend)
	assert.Empty(t, cfg.Schedule.Cron)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
install_path: /opt/clamav
log_level: debug
daemon:
  port: 3311
  ready_deadline: 10s
monitor:
  debounce: 1500ms
  ready_retries: 8
schedule:
  cron: "0 2 * * *"
  target: /srv
store:
  backend: encrypted
scan:
  move_to_quarantine: true
  heuristic_alerts: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/clamav", cfg.InstallPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3311, cfg.Daemon.Port)
	assert.Equal(t, "127.0.0.1", cfg.Daemon.Host)
	assert.Equal(t, 10*time.Second, cfg.Daemon.ReadyDeadline)
	assert.Equal(t, 1500*time.Millisecond, cfg.Monitor.Debounce)
	assert.Equal(t, 8, cfg.Monitor.ReadyRetries)
	assert.Equal(t, "0 2 * * *", cfg.Schedule.Cron)
	assert.Equal(t, BackendEncrypted, cfg.Store.Backend)

	opts := cfg.ScanOptions()
	assert.True(t, opts.MoveToQuarantine)
	assert.True(t, opts.HeuristicAlerts)
	assert.NotEmpty(t, opts.QuarantinePath)

	assert.Equal(t, "127.0.0.1:3311", cfg.ClientConfig().Address())
	assert.Equal(t, 10*time.Second, cfg.SupervisorConfig().Ready.Deadline)
	sc := cfg.ServiceConfig()
	assert.Equal(t, "0 2 * * *", sc.ScheduleCron)
	assert.Equal(t, "/srv", sc.ScheduleTarget)
	assert.True(t, sc.ScanOptions.MoveToQuarantine)
	mc := cfg.MonitorConfig()
	assert.Equal(t, 8, mc.FileReady.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, mc.Debounce)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CLAMSENTRY_DAEMON_PORT", "4000")
	t.Setenv("CLAMSENTRY_INSTALL_PATH", "/env/clamav")
	path := writeConfig(t, "daemon:\n  port: 3311\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Daemon.Port)
	assert.Equal(t, "/env/clamav", cfg.InstallPath)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad port", content: "daemon:\n  port: 70000\n", wantErr: "daemon.port"},
		{name: "bad backend", content: "store:\n  backend: postgres\n", wantErr: "store.backend"},
		{name: "cron without target", content: "schedule:\n  cron: '@daily'\n", wantErr: "schedule.target"},
		{name: "bad cron", content: "schedule:\n  cron: '99 * * * *'\n  target: /srv\n", wantErr: "schedule.cron"},
		{name: "zero retries", content: "monitor:\n  ready_retries: 0\n", wantErr: "ready_retries"},
		{name: "malformed yaml", content: "daemon: [", wantErr: "failed to read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_YAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InstallPath = "/opt/clamav"

	out, err := cfg.YAML()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, "/opt/clamav", doc["install_path"])

	daemon := doc["daemon"].(map[string]any)
	assert.Equal(t, "300ms", daemon["ping_timeout"])
	assert.Equal(t, 3310, daemon["port"])
}
