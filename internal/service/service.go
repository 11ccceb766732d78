// Package service implements the long-running clamsentry process: it keeps
// clamd alive, runs real-time monitoring and fires scheduled scans.
package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/monitor"
	"github.com/eliteGoblin/clamsentry/internal/scan"
	"github.com/eliteGoblin/clamsentry/internal/schedule"
)

// Config holds serve loop configuration.
type Config struct {
	KeepaliveInterval time.Duration // how often to check clamd and restart it if lost
	SettingsInterval  time.Duration // how often to pick up monitoring settings edited by the CLI
	ShutdownTimeout   time.Duration // bound on stopping clamd at exit
	StartDaemon       bool
	StartMonitor      bool
	ScheduleCron      string // empty disables scheduled scans
	ScheduleTarget    string
	ScanOptions       domain.ScanOptions
}

// DefaultConfig returns default serve configuration.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: 30 * time.Second,
		SettingsInterval:  10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		StartDaemon:       true,
		StartMonitor:      true,
	}
}

// DaemonSupervisor is what the serve loop needs from clamd.Supervisor.
type DaemonSupervisor interface {
	Start(ctx context.Context, inst clamd.Installation) error
	Stop(ctx context.Context) error
	Refresh(ctx context.Context) domain.DaemonState
	Status() domain.DaemonStatus
}

// Monitoring is what the serve loop needs from monitor.Monitor.
type Monitoring interface {
	Start(ctx context.Context, settings monitor.Settings) error
	Stop()
	UpdateFilter(settings monitor.Settings)
	SetObserver(fn monitor.ScanObserver)
}

// Scanner runs an on-demand scan and records it. Implemented by usecase.ScanService.
type Scanner interface {
	Scan(ctx context.Context, inst clamd.Installation, target string, opts domain.ScanOptions, onResult scan.ResultFunc) (*scan.Report, error)
}

// Scheduler runs the recurring scan job. Implemented by schedule.Scheduler.
type Scheduler interface {
	SetJob(expr string, fn schedule.Job) error
	Start()
	Stop()
	NextRunAt() *time.Time
}

// EventRecorder appends history events. Implemented by usecase.HistoryService.
type EventRecorder interface {
	Record(eventType, details string) error
}

// Deps are the collaborators of the serve loop. Scheduler may be nil when no schedule is configured.
type Deps struct {
	Supervisor DaemonSupervisor
	Monitor    Monitoring
	Scanner    Scanner
	Scheduler  Scheduler
	Settings   domain.SettingsStore
	History    EventRecorder
	Registry   domain.ServiceRegistry
	Processes  domain.ProcessManager
}

// Service is the serve loop.
type Service struct {
	config Config
	inst   clamd.Installation
	deps   Deps
	logger *zap.Logger

	settings monitor.Settings
}

// New creates a serve loop for inst.
func New(config Config, inst clamd.Installation, deps Deps, logger *zap.Logger) *Service {
	return &Service{config: config, inst: inst, deps: deps, logger: logger}
}

// Run blocks until ctx is cancelled, then stops monitoring, the scheduler and clamd.
func (s *Service) Run(ctx context.Context) error {
	pid := s.deps.Processes.GetCurrentPID()
	if err := s.deps.Registry.RegisterService(pid); err != nil {
		s.logger.Error("failed to register service", zap.Error(err))
		return err
	}
	s.logger.Info("service started", zap.Int("pid", pid), zap.String("install_path", s.inst.Dir))

	if s.config.StartDaemon {
		s.startDaemon(ctx)
	}
	if s.config.StartMonitor {
		s.startMonitor(ctx)
	}
	if err := s.startScheduler(); err != nil {
		s.logger.Error("scheduled scan disabled", zap.Error(err))
	}

	keepaliveTicker := time.NewTicker(s.config.KeepaliveInterval)
	settingsTicker := time.NewTicker(s.config.SettingsInterval)
	defer func() {
		keepaliveTicker.Stop()
		settingsTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("service stopping")
			s.shutdown()
			return nil

		case <-keepaliveTicker.C:
			if s.config.StartDaemon {
				s.keepalive(ctx)
			}

		case <-settingsTicker.C:
			if s.config.StartMonitor {
				s.reloadSettings(ctx)
			}
		}
	}
}

func (s *Service) startDaemon(ctx context.Context) {
	if err := s.deps.Supervisor.Start(ctx, s.inst); err != nil {
		s.logger.Error("failed to start clamd", zap.Error(err))
	}
}

// keepalive restarts clamd when it is no longer answering.
func (s *Service) keepalive(ctx context.Context) {
	state := s.deps.Supervisor.Refresh(ctx)
	if state == domain.DaemonReady || state == domain.DaemonStarting || state == domain.DaemonStopping {
		return
	}
	s.logger.Info("clamd not running, restarting...", zap.Stringer("state", state))
	if err := s.deps.Supervisor.Start(ctx, s.inst); err != nil {
		s.logger.Error("failed to restart clamd", zap.Error(err))
	} else {
		s.logger.Info("clamd restarted successfully", zap.Int("pid", s.deps.Supervisor.Status().PID))
	}
}

func (s *Service) startMonitor(ctx context.Context) {
	settings, err := monitor.LoadSettings(s.deps.Settings)
	if err != nil {
		s.logger.Error("failed to load monitoring settings", zap.Error(err))
		return
	}
	s.deps.Monitor.SetObserver(s.observeScan)
	if err := s.deps.Monitor.Start(ctx, settings); err != nil {
		s.logger.Error("failed to start monitoring", zap.Error(err))
		return
	}
	s.settings = settings
	if len(settings.Roots) > 0 {
		_ = s.deps.History.Record(domain.EventMonitoring, "Monitoring started for: "+strings.Join(settings.Roots, ", "))
	}
}

// reloadSettings applies list edits made while serving. Filter-only changes
// are swapped in place; root changes restart the watchers.
func (s *Service) reloadSettings(ctx context.Context) {
	settings, err := monitor.LoadSettings(s.deps.Settings)
	if err != nil {
		s.logger.Warn("failed to reload monitoring settings", zap.Error(err))
		return
	}
	if settings.Equal(s.settings) {
		return
	}

	rootsChanged := !slices.Equal(s.settings.Roots, settings.Roots)
	s.settings = settings
	if !rootsChanged {
		s.deps.Monitor.UpdateFilter(settings)
		s.logger.Info("monitoring filters updated")
		return
	}

	if err := s.deps.Monitor.Start(ctx, settings); err != nil {
		s.logger.Error("failed to restart monitoring", zap.Error(err))
		return
	}
	s.logger.Info("monitoring restarted with new roots", zap.Strings("roots", settings.Roots))
	_ = s.deps.History.Record(domain.EventMonitoring, "Monitoring started for: "+strings.Join(settings.Roots, ", "))
}

// observeScan records threats found by real-time monitoring.
func (s *Service) observeScan(path, response string) {
	if !strings.HasSuffix(strings.ToUpper(strings.TrimSpace(response)), "FOUND") {
		return
	}
	s.logger.Warn("threat detected by monitoring", zap.String("path", path), zap.String("response", response))
	_ = s.deps.History.Record(domain.EventMonitoring, "Threat detected: "+response)
}

func (s *Service) startScheduler() error {
	if s.config.ScheduleCron == "" || s.deps.Scheduler == nil {
		return nil
	}
	target := s.config.ScheduleTarget
	err := s.deps.Scheduler.SetJob(s.config.ScheduleCron, func(ctx context.Context) {
		s.logger.Info("scheduled scan started", zap.String("target", target))
		report, err := s.deps.Scanner.Scan(ctx, s.inst, target, s.config.ScanOptions, nil)
		if err != nil {
			s.logger.Error("scheduled scan failed", zap.String("target", target), zap.Error(err))
			return
		}
		s.logger.Info("scheduled scan finished",
			zap.String("target", target),
			zap.Int("infected", report.InfectedCount()),
			zap.Bool("cancelled", report.Cancelled))
	})
	if err != nil {
		return err
	}
	s.deps.Scheduler.Start()
	if next := s.deps.Scheduler.NextRunAt(); next != nil {
		s.logger.Info("scheduled scan armed", zap.String("cron", s.config.ScheduleCron), zap.Time("next_run", *next))
	}
	return nil
}

func (s *Service) shutdown() {
	if s.deps.Scheduler != nil && s.config.ScheduleCron != "" {
		s.deps.Scheduler.Stop()
	}
	if s.config.StartMonitor {
		s.deps.Monitor.Stop()
	}
	if s.config.StartDaemon {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.deps.Supervisor.Stop(ctx); err != nil {
			s.logger.Warn("failed to stop clamd", zap.Error(err))
		}
	}
	if err := s.deps.Registry.Clear(); err != nil {
		s.logger.Warn("failed to clear registry", zap.Error(err))
	}
	s.logger.Info("service stopped")
}
