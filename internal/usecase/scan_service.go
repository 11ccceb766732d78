package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/scan"
)

// ScanRunner runs one clamscan invocation. Implemented by scan.Engine.
type ScanRunner interface {
	Run(ctx context.Context, req scan.Request, onResult scan.ResultFunc) (*scan.Report, error)
}

// ScanService runs on-demand scans and persists their history and quarantine records.
type ScanService struct {
	runner     ScanRunner
	history    *HistoryService
	quarantine domain.QuarantineStore
	logger     *zap.Logger
}

// NewScanService creates a scan service.
func NewScanService(runner ScanRunner, history *HistoryService, quarantine domain.QuarantineStore, logger *zap.Logger) *ScanService {
	return &ScanService{
		runner:     runner,
		history:    history,
		quarantine: quarantine,
		logger:     logger,
	}
}

// Scan validates inst, scans target and records the outcome.
// A "Scan finished" event is recorded for every scan that started, cancelled or not.
func (s *ScanService) Scan(ctx context.Context, inst clamd.Installation, target string, opts domain.ScanOptions, onResult scan.ResultFunc) (*scan.Report, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}

	req := scan.Request{
		ScannerPath: inst.ScannerPath(),
		DatabaseDir: inst.DatabaseDir(),
		Target:      target,
		Options:     opts,
	}

	_ = s.history.Record(domain.EventScan, "Scan started for: "+target)
	report, err := s.runner.Run(ctx, req, onResult)

	infected := 0
	if report != nil {
		infected = report.InfectedCount()
		if report.Cancelled {
			_ = s.history.Record(domain.EventScan, "Scan cancelled for: "+target)
		}
		s.persistQuarantine(report.Quarantined)
	}
	_ = s.history.Record(domain.EventScan, fmt.Sprintf("Scan finished for: %s. Infected files: %d.", target, infected))

	if err != nil {
		s.logger.Error("scan failed", zap.String("target", target), zap.Error(err))
		return report, err
	}
	return report, nil
}

func (s *ScanService) persistQuarantine(records []domain.QuarantineRecord) {
	if len(records) == 0 {
		return
	}
	if err := s.quarantine.Add(records...); err != nil {
		s.logger.Error("failed to store quarantine records",
			zap.Int("count", len(records)),
			zap.Error(err))
		return
	}
	s.logger.Info("quarantine records stored", zap.Int("count", len(records)))
}
