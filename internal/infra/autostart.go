package infra

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// ErrAutostartUnsupported is returned on platforms without a supported service manager.
var ErrAutostartUnsupported = errors.New("start at login is not supported on this platform")

// AutostartKind names the service manager a login entry is written for.
type AutostartKind string

const (
	AutostartLaunchd AutostartKind = "launchd"
	AutostartSystemd AutostartKind = "systemd"
)

const (
	// AutostartLabel is the launchd label of the service.
	AutostartLabel = "io.clamsentry.service"

	systemdUnitName = "clamsentry.service"
)

// LaunchAgent plist template (runs as user)
const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>serve</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>Crashed</key>
        <true/>
    </dict>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>
`

// systemd user unit template
const systemdUnitTemplate = `[Unit]
Description=clamsentry ClamAV coordinator
After=network.target

[Service]
ExecStart="{{.ExecutablePath}}" serve
Restart=on-failure
RestartSec=10
StandardOutput=append:{{.LogPath}}
StandardError=append:{{.LogPath}}

[Install]
WantedBy=default.target
`

type autostartConfig struct {
	Label          string
	ExecutablePath string
	LogPath        string
}

// AutostartManagerImpl implements domain.AutostartManager for launchd and systemd.
type AutostartManagerImpl struct {
	kind    AutostartKind
	path    string
	logPath string
	run     func(name string, args ...string) error
}

// NewAutostartManager picks the service manager for the current platform.
// home is the user's home directory; logPath receives the service's stdout and stderr.
func NewAutostartManager(home, logPath string) (*AutostartManagerImpl, error) {
	switch runtime.GOOS {
	case "darwin":
		return NewAutostartManagerFor(AutostartLaunchd, home, logPath), nil
	case "linux":
		return NewAutostartManagerFor(AutostartSystemd, home, logPath), nil
	default:
		return nil, ErrAutostartUnsupported
	}
}

// NewAutostartManagerFor creates a manager for an explicit kind.
func NewAutostartManagerFor(kind AutostartKind, home, logPath string) *AutostartManagerImpl {
	var path string
	if kind == AutostartLaunchd {
		path = filepath.Join(home, "Library", "LaunchAgents", AutostartLabel+".plist")
	} else {
		path = filepath.Join(home, ".config", "systemd", "user", systemdUnitName)
	}
	return &AutostartManagerImpl{
		kind:    kind,
		path:    path,
		logPath: logPath,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// content renders the login entry for execPath.
func (m *AutostartManagerImpl) content(execPath string) ([]byte, error) {
	tmplStr := systemdUnitTemplate
	if m.kind == AutostartLaunchd {
		tmplStr = launchAgentTemplate
	}

	tmpl, err := template.New(string(m.kind)).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", m.kind, err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, autostartConfig{
		Label:          AutostartLabel,
		ExecutablePath: execPath,
		LogPath:        m.logPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render %s template: %w", m.kind, err)
	}
	return buf.Bytes(), nil
}

// Install writes the login entry and loads it. An existing entry is replaced.
func (m *AutostartManagerImpl) Install(execPath string) error {
	content, err := m.content(execPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}

	if m.IsInstalled() {
		_ = m.unload()
	}

	tmp := fmt.Sprintf("%s.%d.tmp", m.path, os.Getpid())
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return m.load()
}

// Uninstall unloads and removes the login entry.
func (m *AutostartManagerImpl) Uninstall() error {
	// Unload first (ignore errors if not loaded)
	_ = m.unload()

	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if m.kind == AutostartSystemd {
		_ = m.run("systemctl", "--user", "daemon-reload")
	}
	return nil
}

// IsInstalled checks if the login entry exists.
func (m *AutostartManagerImpl) IsInstalled() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// NeedsUpdate checks if the entry exists but differs from what Install would write,
// for example after the binary moved.
func (m *AutostartManagerImpl) NeedsUpdate(execPath string) bool {
	if !m.IsInstalled() {
		return false
	}
	current, err := os.ReadFile(m.path)
	if err != nil {
		return true
	}
	expected, err := m.content(execPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// Path returns the login entry file path.
func (m *AutostartManagerImpl) Path() string {
	return m.path
}

// Kind returns the service manager in use.
func (m *AutostartManagerImpl) Kind() AutostartKind {
	return m.kind
}

func (m *AutostartManagerImpl) load() error {
	if m.kind == AutostartLaunchd {
		return m.run("launchctl", "load", m.path)
	}
	if err := m.run("systemctl", "--user", "daemon-reload"); err != nil {
		return err
	}
	return m.run("systemctl", "--user", "enable", "--now", systemdUnitName)
}

func (m *AutostartManagerImpl) unload() error {
	if m.kind == AutostartLaunchd {
		return m.run("launchctl", "unload", m.path)
	}
	return m.run("systemctl", "--user", "disable", "--now", systemdUnitName)
}

// Ensure AutostartManagerImpl implements domain.AutostartManager.
var _ domain.AutostartManager = (*AutostartManagerImpl)(nil)
