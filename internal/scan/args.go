package scan

import (
	"fmt"
	"os"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// BuildArgs returns the clamscan argument list for target.
// The quarantine directory is created when moving is requested. The target is always last.
func BuildArgs(databaseDir, target string, isDir bool, opts domain.ScanOptions) ([]string, error) {
	args := []string{"--stdout", "--database", databaseDir}
	if isDir {
		args = append(args, "-r")
	}
	if opts.HeuristicAlerts {
		args = append(args, "--heuristic-alerts=yes")
	}
	if opts.ScanEncrypted {
		args = append(args, "--alert-encrypted=yes")
	}
	if opts.LeaveTemps {
		args = append(args, "--leave-temps=yes")
	}
	if opts.MoveToQuarantine && opts.QuarantinePath != "" {
		if err := os.MkdirAll(opts.QuarantinePath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
		}
		args = append(args, "--move", opts.QuarantinePath)
	}
	return append(args, target), nil
}
