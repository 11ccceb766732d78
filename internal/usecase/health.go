package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
)

// HealthLevel grades one health check item.
type HealthLevel string

const (
	HealthOK   HealthLevel = "OK"
	HealthWarn HealthLevel = "WARN"
	HealthFail HealthLevel = "FAIL"
	HealthInfo HealthLevel = "INFO"
)

// HealthCheck is one line of a health report.
type HealthCheck struct {
	Level   HealthLevel
	Message string
}

// String renders the check as "LEVEL: message".
func (c HealthCheck) String() string {
	return string(c.Level) + ": " + c.Message
}

// HealthReport is the itemized result of a health check.
type HealthReport struct {
	Checks []HealthCheck
}

// Failed reports whether any item is FAIL.
func (r HealthReport) Failed() bool {
	for _, c := range r.Checks {
		if c.Level == HealthFail {
			return true
		}
	}
	return false
}

// String renders one check per line.
func (r HealthReport) String() string {
	lines := make([]string, len(r.Checks))
	for i, c := range r.Checks {
		lines[i] = c.String()
	}
	return strings.Join(lines, "\n")
}

// Pinger is the daemon probe used by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker inspects an installation and the daemon.
type HealthChecker struct {
	pinger Pinger
	logger *zap.Logger
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(pinger Pinger, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{pinger: pinger, logger: logger}
}

// Check grades binaries, config files, signature files and daemon reachability.
func (h *HealthChecker) Check(ctx context.Context, inst clamd.Installation) HealthReport {
	var r HealthReport
	add := func(level HealthLevel, format string, args ...any) {
		r.Checks = append(r.Checks, HealthCheck{Level: level, Message: fmt.Sprintf(format, args...)})
	}

	if info, err := os.Stat(inst.Dir); inst.Dir == "" || err != nil || !info.IsDir() {
		add(HealthFail, "ClamAV path is not configured or does not exist.")
		return r
	}

	for _, bin := range []string{inst.ScannerPath(), inst.UpdaterPath()} {
		name := filepath.Base(bin)
		if isFile(bin) {
			add(HealthOK, "%s found.", name)
		} else {
			add(HealthFail, "%s missing.", name)
		}
	}
	if name := filepath.Base(inst.DaemonPath()); inst.HasDaemon() {
		add(HealthOK, "%s found.", name)
	} else {
		add(HealthWarn, "%s missing (daemon features unavailable).", name)
	}

	for _, conf := range []string{inst.DaemonConfigPath(), inst.UpdaterConfigPath()} {
		name := filepath.Base(conf)
		if isFile(conf) {
			add(HealthOK, "%s exists.", name)
		} else {
			add(HealthWarn, "%s not found. Initialize configuration files.", name)
		}
	}

	if info, err := os.Stat(inst.DatabaseDir()); err == nil && info.IsDir() {
		if n := countSignatureFiles(inst.DatabaseDir()); n > 0 {
			add(HealthOK, "signature database files found (%d).", n)
		} else {
			add(HealthWarn, "database folder exists but no .cvd/.cld signatures found.")
		}
	} else {
		add(HealthWarn, "database folder is missing.")
	}

	if err := h.pinger.Ping(ctx); err != nil {
		add(HealthInfo, "daemon ping result: %v", err)
	} else {
		add(HealthOK, "daemon responds to PING.")
	}

	h.logger.Debug("health check finished", zap.Bool("failed", r.Failed()), zap.Int("items", len(r.Checks)))
	return r
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func countSignatureFiles(dir string) int {
	n := 0
	for _, pattern := range []string{"*.cvd", "*.cld"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		n += len(matches)
	}
	return n
}
