package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// Request describes one on-demand scan.
type Request struct {
	ScannerPath string
	DatabaseDir string
	Target      string
	Options     domain.ScanOptions
}

// Report is the outcome of a scan run.
type Report struct {
	Target      string
	Summary     domain.ScanSummary
	Results     int
	Detections  []Detection
	Diagnostics []string
	Quarantined []domain.QuarantineRecord
	ExitCode    int
	Cancelled   bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// InfectedCount is the number of threats reported by per-file verdicts.
func (r *Report) InfectedCount() int {
	return len(r.Detections)
}

// ResultFunc receives each per-file verdict as it is parsed.
type ResultFunc func(domain.ScanItemResult)

// Engine runs clamscan as a child process and streams its output through the parser.
type Engine struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a scan engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger, now: time.Now}
}

// Run scans req.Target. Cancelling ctx kills the scanner; the partial report is
// returned with Cancelled set and a nil error.
func (e *Engine) Run(ctx context.Context, req Request, onResult ResultFunc) (*Report, error) {
	info, err := os.Stat(req.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPathNotFound, req.Target)
	}

	args, err := BuildArgs(req.DatabaseDir, req.Target, info.IsDir(), req.Options)
	if err != nil {
		return nil, err
	}

	moving := req.Options.MoveToQuarantine && req.Options.QuarantinePath != ""
	var before map[string]string
	if moving {
		if before, err = Snapshot(req.Options.QuarantinePath); err != nil {
			return nil, fmt.Errorf("failed to snapshot quarantine: %w", err)
		}
	}

	report := &Report{Target: req.Target, StartedAt: e.now()}

	cmd := exec.CommandContext(ctx, req.ScannerPath, args...)
	cmd.Dir = filepath.Dir(req.ScannerPath)
	cmd.WaitDelay = 2 * time.Second

	// Both streams share one pipe so lines arrive in the order the scanner wrote them.
	output, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSubprocessLaunch, err)
	}
	defer output.Close()
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSubprocessLaunch, req.ScannerPath, err)
	}
	w.Close()

	// Children of a killed scanner can keep the pipe open; stop reading after WaitDelay.
	stopRead := context.AfterFunc(ctx, func() {
		time.AfterFunc(cmd.WaitDelay, func() { output.Close() })
	})
	defer stopRead()

	e.logger.Info("scan started",
		zap.String("target", req.Target),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("args", args))

	parser := NewParser()
	err = readLines(output, func(line string) {
		e.handleLine(parser, line, report, onResult)
	})
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("scanner output truncated", zap.Error(err))
	}

	waitErr := cmd.Wait()
	report.Summary = parser.Summary()
	report.FinishedAt = e.now()
	if cmd.ProcessState != nil {
		report.ExitCode = cmd.ProcessState.ExitCode()
	}

	if moving {
		after, err := Snapshot(req.Options.QuarantinePath)
		if err != nil {
			e.logger.Warn("failed to snapshot quarantine after scan", zap.Error(err))
		} else {
			report.Quarantined = QuarantineRecords(NewFiles(before, after), report.Detections, report.FinishedAt)
		}
	}

	if ctx.Err() != nil {
		report.Cancelled = true
		e.logger.Info("scan cancelled", zap.String("target", req.Target), zap.Int("results", report.Results))
		return report, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return report, fmt.Errorf("scanner did not finish: %w", waitErr)
	}

	e.logger.Info("scan finished",
		zap.String("target", req.Target),
		zap.Int("results", report.Results),
		zap.Int("infected", report.InfectedCount()),
		zap.Int("quarantined", len(report.Quarantined)),
		zap.Int("exit_code", report.ExitCode),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (e *Engine) handleLine(parser *Parser, line string, report *Report, onResult ResultFunc) {
	parsed := parser.Feed(line)
	switch parsed.Kind {
	case LineResult:
		report.Results++
		if parsed.Result.IsThreat {
			report.Detections = append(report.Detections, Detection{
				Path:       parsed.Result.Path,
				ThreatName: parsed.Result.ThreatName,
			})
			e.logger.Warn("threat detected",
				zap.String("path", parsed.Result.Path),
				zap.String("threat", parsed.Result.ThreatName))
		}
		if onResult != nil {
			onResult(parsed.Result)
		}
	case LineDiagnostic:
		report.Diagnostics = append(report.Diagnostics, parsed.Text)
		e.logger.Debug("scanner diagnostic", zap.String("line", parsed.Text))
	case LineAction:
		e.logger.Info("scanner action", zap.String("line", parsed.Text))
	case LineUnrecognized:
		e.logger.Debug("unrecognized scanner line", zap.String("line", parsed.Text))
	}
}

func readLines(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
