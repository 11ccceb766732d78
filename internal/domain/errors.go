package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared across the coordinator. Wrap them with %w and test with errors.Is.
var (
	ErrInstallationInvalid   = errors.New("clamav installation invalid")
	ErrConnection            = errors.New("cannot connect to clamd")
	ErrProtocol              = errors.New("clamd protocol error")
	ErrSubprocessLaunch      = errors.New("failed to launch subprocess")
	ErrSubprocessExitedEarly = errors.New("clamd exited before becoming ready")
	ErrReadinessTimeout      = errors.New("clamd did not become ready in time")
	ErrPathNotFound          = errors.New("path not found")
	ErrFileLocked            = errors.New("file is locked")
	ErrCancelled             = errors.New("operation cancelled")
	ErrNotFound              = errors.New("record not found")
)

const noCapturedOutput = "No output was captured from clamd. It may have failed silently."

// DaemonStartError carries the diagnostics of a failed clamd start.
// Kind is ErrSubprocessExitedEarly or ErrReadinessTimeout.
type DaemonStartError struct {
	Kind     error
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *DaemonStartError) Error() string {
	var head string
	switch {
	case errors.Is(e.Kind, ErrSubprocessExitedEarly):
		head = fmt.Sprintf("clamd exited with code %d before accepting connections", e.ExitCode)
	case errors.Is(e.Kind, ErrReadinessTimeout):
		head = "clamd did not accept connections before the deadline and was terminated"
	default:
		head = "clamd failed to start"
	}
	return head + "\n\n" + e.Output()
}

func (e *DaemonStartError) Unwrap() error { return e.Kind }

// Output renders the captured streams with labeled sections.
func (e *DaemonStartError) Output() string {
	stdout := strings.TrimSpace(e.Stdout)
	stderr := strings.TrimSpace(e.Stderr)
	if stdout == "" && stderr == "" {
		return noCapturedOutput
	}

	var b strings.Builder
	if stdout != "" {
		b.WriteString("--- Standard Output ---\n")
		b.WriteString(stdout)
		b.WriteString("\n")
	}
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("--- Error Output ---\n")
		b.WriteString(stderr)
		b.WriteString("\n")
	}
	return b.String()
}
