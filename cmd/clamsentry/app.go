package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/config"
	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/infra"
	"github.com/eliteGoblin/clamsentry/internal/usecase"
)

// errNoInstallPath is returned when no ClamAV folder has been configured.
var errNoInstallPath = errors.New("ClamAV installation path is not set; run 'clamsentry config set-install <dir>' or pass --install-path")

// app bundles configuration and the shared collaborators every command needs.
type app struct {
	cfg      *config.Config
	layout   infra.Layout
	logger   *zap.Logger
	pm       domain.ProcessManager
	fs       domain.FileSystemManager
	settings *infra.LineSettingsStore
	registry *infra.FileRegistry

	history    domain.HistoryStore
	quarantine domain.QuarantineStore
	closeStore func() error
}

// newApp loads configuration and opens the stores. Service processes log to
// the data directory; interactive commands log to stderr.
func newApp(service bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	layout := cfg.Layout()
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	var logger *zap.Logger
	if service {
		logger = createLogger(layout.ServiceLog(), cfg.LogLevel)
	} else {
		logger = createCLILogger(cfg.LogLevel)
	}

	pm := infra.NewProcessManager()
	a := &app{
		cfg:      cfg,
		layout:   layout,
		logger:   logger,
		pm:       pm,
		fs:       infra.NewFileSystemManager(),
		settings: infra.NewLineSettingsStore(layout.DataDir),
		registry: infra.NewFileRegistry(layout.RegistryFile(), pm),
	}
	if err := a.openStores(); err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func (a *app) openStores() error {
	switch a.cfg.Store.Backend {
	case config.BackendEncrypted:
		key, err := infra.EnsureKey(infra.NewFileKeyProvider(a.layout.KeyFile()))
		if err != nil {
			return err
		}
		ledger, err := infra.NewEncryptedLedger(a.layout.LedgerFile(), key)
		if err != nil {
			return err
		}
		a.history = ledger.History()
		a.quarantine = ledger.Quarantine()
		a.closeStore = ledger.Close
	default:
		a.history = infra.NewJSONHistoryStore(a.layout.HistoryFile())
		a.quarantine = infra.NewJSONQuarantineStore(a.layout.QuarantineFile())
		a.closeStore = func() error { return nil }
	}
	return nil
}

func (a *app) Close() {
	if err := a.closeStore(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// installation resolves the ClamAV folder: flag, then config, then the saved setting.
func (a *app) installation() (clamd.Installation, error) {
	dir := installPath
	if dir == "" {
		dir = a.cfg.InstallPath
	}
	if dir == "" {
		saved, err := a.settings.LoadInstallPath()
		if err != nil {
			return clamd.Installation{}, err
		}
		dir = saved
	}
	if dir == "" {
		return clamd.Installation{}, errNoInstallPath
	}
	return clamd.Installation{Dir: a.fs.ExpandHome(dir)}, nil
}

func (a *app) client() *clamd.ClientImpl {
	return clamd.NewClient(a.cfg.ClientConfig(), a.logger)
}

func (a *app) historyService() *usecase.HistoryService {
	return usecase.NewHistoryService(a.history, a.logger)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseLevel(level string) zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return lvl
}

// createLogger writes JSON logs to path for the background service.
func createLogger(path, level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.Level = parseLevel(level)
	config.OutputPaths = []string{path}
	config.ErrorOutputPaths = []string{path}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// createCLILogger logs human-readable lines to stderr. Interactive commands
// only show warnings unless the config asks for debug output.
func createCLILogger(level string) *zap.Logger {
	if level == "" || level == "info" {
		level = "warn"
	}
	config := zap.NewDevelopmentConfig()
	config.Level = parseLevel(level)
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
