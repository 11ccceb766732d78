package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// ServeCommand is the hidden CLI command the background process runs.
const ServeCommand = "serve"

// SpawnBackground starts a detached copy of the current executable running
// the serve command and returns its PID.
func SpawnBackground(args ...string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, err
	}
	return spawn(executable, append([]string{ServeCommand}, args...))
}

func spawn(executable string, args []string) (int, error) {
	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = detachedAttr()

	// No stdin/stdout/stderr, the service logs to its own file.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSubprocessLaunch, err)
	}
	pid := cmd.Process.Pid
	// The child outlives us; release it so no zombie is left behind if we keep running.
	_ = cmd.Process.Release()
	return pid, nil
}

// StopBackground asks the service at pid to exit and waits for it.
// If it is still alive when ctx expires it is killed.
func StopBackground(ctx context.Context, pm domain.ProcessManager, pid int) error {
	if !pm.IsRunning(pid) {
		return nil
	}
	if err := pm.Terminate(pid); err != nil {
		return pm.Kill(pid)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if !pm.IsRunning(pid) {
				return nil
			}
			return pm.Kill(pid)
		case <-ticker.C:
			if !pm.IsRunning(pid) {
				return nil
			}
		}
	}
}
