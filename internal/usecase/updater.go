package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// UpdateOutcome classifies a freshclam run.
type UpdateOutcome int

const (
	UpdateFailed UpdateOutcome = iota
	UpdateUpToDate
	UpdateSucceeded
)

func (o UpdateOutcome) String() string {
	switch o {
	case UpdateUpToDate:
		return "up-to-date"
	case UpdateSucceeded:
		return "updated"
	default:
		return "failed"
	}
}

var sigsPattern = regexp.MustCompile(`sigs: (\d+)`)

// UpdateResult is the captured output of one freshclam run.
type UpdateResult struct {
	Outcome    UpdateOutcome
	Stdout     string
	Stderr     string
	ExitCode   int
	Signatures string // first "sigs: N" count in the output, empty if none
}

// ClassifyUpdate grades freshclam output. Any stderr text or an ERROR line is a failure.
func ClassifyUpdate(stdout, stderr string) UpdateOutcome {
	switch {
	case strings.TrimSpace(stderr) != "" || strings.Contains(stdout, "ERROR"):
		return UpdateFailed
	case strings.Contains(stdout, "up-to-date"):
		return UpdateUpToDate
	default:
		return UpdateSucceeded
	}
}

// SignatureCount extracts the first "sigs: N" value from freshclam output.
func SignatureCount(output string) string {
	if m := sigsPattern.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	return ""
}

// SignatureUpdater runs freshclam and records the result in history.
type SignatureUpdater struct {
	history *HistoryService
	logger  *zap.Logger
}

// NewSignatureUpdater creates a signature updater.
func NewSignatureUpdater(history *HistoryService, logger *zap.Logger) *SignatureUpdater {
	return &SignatureUpdater{history: history, logger: logger}
}

// Update runs freshclam against the installation's freshclam.conf, creating it first if missing.
// A failed update is reported in the result, not as an error; errors mean freshclam could not run.
func (u *SignatureUpdater) Update(ctx context.Context, inst clamd.Installation) (*UpdateResult, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if err := clamd.EnsureUpdaterConfig(inst); err != nil {
		return nil, fmt.Errorf("failed to prepare freshclam.conf: %w", err)
	}

	_ = u.history.Record(domain.EventUpdate, "Signature update process started.")
	u.logger.Info("signature update started", zap.String("updater", inst.UpdaterPath()))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, inst.UpdaterPath(), "--config-file", inst.UpdaterConfigPath())
	cmd.Dir = inst.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		_ = u.history.Record(domain.EventUpdateFailed, err.Error())
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSubprocessLaunch, inst.UpdaterPath(), err)
	}

	result := &UpdateResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   cmd.ProcessState.ExitCode(),
		Signatures: SignatureCount(stdout.String()),
	}
	result.Outcome = ClassifyUpdate(result.Stdout, result.Stderr)

	switch result.Outcome {
	case UpdateFailed:
		_ = u.history.Record(domain.EventUpdateFailed, fmt.Sprintf("Error: %s\nOutput: %s", result.Stderr, result.Stdout))
	case UpdateUpToDate:
		_ = u.history.Record(domain.EventUpdate, "Database already up-to-date.")
	case UpdateSucceeded:
		_ = u.history.Record(domain.EventUpdate, "Signature update process finished.")
	}

	u.logger.Info("signature update finished",
		zap.Stringer("outcome", result.Outcome),
		zap.Int("exit_code", result.ExitCode),
		zap.String("signatures", result.Signatures))
	return result, nil
}

// InitializeConfiguration writes fresh config files for inst and records the outcome in history.
func (u *SignatureUpdater) InitializeConfiguration(inst clamd.Installation, host string, port int) (string, error) {
	if err := inst.Validate(); err != nil {
		return "", err
	}
	if err := clamd.InitializeConfiguration(inst, host, port); err != nil {
		msg := "Error: " + err.Error()
		_ = u.history.Record(domain.EventConfigInitialized, msg)
		return msg, err
	}
	msg := "Configuration files initialized successfully. You can now run an update."
	_ = u.history.Record(domain.EventConfigInitialized, msg)
	u.logger.Info("configuration initialized", zap.String("install_path", inst.Dir))
	return msg, nil
}
