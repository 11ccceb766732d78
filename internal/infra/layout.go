package infra

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser keeps state under the invoking user's home
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps state under /var/lib (running as root)
	ExecModeSystem ExecMode = "system"
)

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// Layout names every file clamsentry keeps in its data directory.
type Layout struct {
	Mode    ExecMode
	DataDir string
}

// DetectLayout picks the data directory from the effective UID.
func DetectLayout() Layout {
	if os.Geteuid() == 0 && os.Getenv("SUDO_USER") == "" {
		return Layout{Mode: ExecModeSystem, DataDir: "/var/lib/clamsentry"}
	}
	return Layout{Mode: ExecModeUser, DataDir: filepath.Join(GetRealUserHome(), ".clamsentry")}
}

// NewLayout uses an explicit data directory.
func NewLayout(dataDir string) Layout {
	return Layout{Mode: ExecModeUser, DataDir: dataDir}
}

// Ensure creates the data directory.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

func (l Layout) ConfigFile() string { return filepath.Join(l.DataDir, "config.yaml") }
func (l Layout) HistoryFile() string { return filepath.Join(l.DataDir, "history.json") }
func (l Layout) QuarantineFile() string { return filepath.Join(l.DataDir, "quarantine.json") }
func (l Layout) LedgerFile() string { return filepath.Join(l.DataDir, "ledger.db") }
func (l Layout) KeyFile() string { return filepath.Join(l.DataDir, ".ledger.key") }
func (l Layout) RegistryFile() string { return filepath.Join(l.DataDir, "service.json") }
func (l Layout) ServiceLog() string { return filepath.Join(l.DataDir, "clamsentry.log") }
func (l Layout) QuarantineDir() string { return filepath.Join(l.DataDir, "quarantine") }

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
