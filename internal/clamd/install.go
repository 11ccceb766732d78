// Package clamd talks to and supervises the ClamAV daemon.
package clamd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// Installation is a ClamAV install directory.
// Binaries, configs, the signature database and the daemon log all live under Dir.
type Installation struct {
	Dir string
}

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func (i Installation) ScannerPath() string { return filepath.Join(i.Dir, exeName("clamscan")) }
func (i Installation) UpdaterPath() string { return filepath.Join(i.Dir, exeName("freshclam")) }
func (i Installation) DaemonPath() string { return filepath.Join(i.Dir, exeName("clamd")) }
func (i Installation) DaemonConfigPath() string { return filepath.Join(i.Dir, "clamd.conf") }
func (i Installation) UpdaterConfigPath() string { return filepath.Join(i.Dir, "freshclam.conf") }
func (i Installation) DatabaseDir() string { return filepath.Join(i.Dir, "database") }
func (i Installation) DaemonLogPath() string { return filepath.Join(i.Dir, "clamd.log") }
func (i Installation) ExamplesDir() string { return filepath.Join(i.Dir, "conf_examples") }

// Validate checks that the scanner and updater binaries are present.
func (i Installation) Validate() error {
	if i.Dir == "" {
		return fmt.Errorf("%w: install path is not set", domain.ErrInstallationInvalid)
	}
	for _, bin := range []string{i.ScannerPath(), i.UpdaterPath()} {
		info, err := os.Stat(bin)
		if err != nil || info.IsDir() {
			return fmt.Errorf("%w: %s not found", domain.ErrInstallationInvalid, bin)
		}
	}
	return nil
}

// HasDaemon reports whether the clamd binary is present.
func (i Installation) HasDaemon() bool {
	info, err := os.Stat(i.DaemonPath())
	return err == nil && !info.IsDir()
}
