// Package monitor watches directory trees and scans changed files through clamd.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/retry"
)

// Config holds monitoring timings.
type Config struct {
	Debounce    time.Duration // quiet period per file before scanning
	FileReady   retry.Policy  // open-for-read attempts before a file counts as locked
	EventBuffer int           // per-root notification buffer
	LogCapacity int           // lines kept by Log
}

// DefaultConfig returns default monitoring configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:    700 * time.Millisecond,
		FileReady:   retry.Policy{Interval: 200 * time.Millisecond, MaxAttempts: 5},
		EventBuffer: 256,
		LogCapacity: 500,
	}
}

// ScanObserver is called after every completed monitoring scan with clamd's response.
type ScanObserver func(path, response string)

// Monitor runs one watcher per root and funnels changed files through
// filter, debounce, active-scan guard and readiness checks into clamd.
type Monitor struct {
	config    Config
	scanner   domain.FileScanner
	newSource SourceFactory
	logger    *zap.Logger
	log       *LogBook
	guard     ActiveScanGuard
	filter    atomic.Pointer[Filter]
	observer  atomic.Pointer[ScanObserver]

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	sources   []EventSource
	consumers *errgroup.Group
	debouncer *Debouncer
}

// New creates a monitor. Call Start to begin watching.
func New(config Config, scanner domain.FileScanner, newSource SourceFactory, logger *zap.Logger) *Monitor {
	m := &Monitor{
		config:    config,
		scanner:   scanner,
		newSource: newSource,
		logger:    logger,
		log:       NewLogBook(config.LogCapacity),
		debouncer: NewDebouncer(config.Debounce),
	}
	m.filter.Store(NewFilter(nil, nil, nil))
	return m
}

// SetObserver registers fn to receive scan responses.
func (m *Monitor) SetObserver(fn ScanObserver) {
	m.observer.Store(&fn)
}

// Log returns the recent monitoring log, oldest first.
func (m *Monitor) Log() []string {
	return m.log.Lines()
}

// Running reports whether monitoring is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// UpdateFilter swaps exclusions and patterns without restarting watchers.
func (m *Monitor) UpdateFilter(settings Settings) {
	m.filter.Store(NewFilter(settings.Exclusions, settings.Filters, nil))
}

// Start tears down any previous session and watches every existing root.
// Missing roots are logged and skipped.
func (m *Monitor) Start(ctx context.Context, settings Settings) error {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateFilter(settings)
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.consumers = new(errgroup.Group)
	m.debouncer = NewDebouncer(m.config.Debounce)

	for _, root := range settings.Roots {
		root = NormalizePath(root)
		if !isDirectory(root) {
			m.record("Skipped (not found): " + root)
			continue
		}
		src, err := m.newSource(root)
		if err != nil {
			m.record(fmt.Sprintf("WATCHER ERROR: %s: %v", root, err))
			continue
		}
		m.sources = append(m.sources, src)
		m.consumers.Go(func() error {
			m.consume(runCtx, src)
			return nil
		})
		m.record("Monitoring started for: " + root)
	}

	m.running = true
	if len(m.sources) == 0 {
		m.logger.Warn("monitoring active but no roots are watched")
	}
	return nil
}

// Stop disposes watchers and cancels pending and in-flight scans. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	m.cancel()
	for _, src := range m.sources {
		if err := src.Close(); err != nil {
			m.logger.Debug("closing watcher", zap.Error(err))
		}
	}
	_ = m.consumers.Wait()
	m.debouncer.CancelAll()
	m.debouncer.Wait()

	m.sources = nil
	m.running = false
	m.record("Monitoring stopped.")
}

func (m *Monitor) consume(ctx context.Context, src EventSource) {
	events, errs := src.Events(), src.Errors()
	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handle(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.record("WATCHER ERROR: " + err.Error())
		}
	}
}

// handle never lets a failure escape into the notification loop.
func (m *Monitor) handle(ctx context.Context, ev domain.FileChangeEvent) {
	defer m.recoverHandler(ev.Path)

	switch ev.Kind {
	case domain.ChangeRemove:
		m.record("DELETED: " + ev.Path)
	case domain.ChangeRenameFrom:
		m.logger.Debug("file renamed away", zap.String("path", ev.Path))
	case domain.ChangeRenameTo:
		if ev.OldPath != "" {
			m.record("RENAMED: " + ev.OldPath + " -> " + ev.Path)
		}
		m.schedule(ctx, ev.Path)
	case domain.ChangeCreate, domain.ChangeWrite:
		m.schedule(ctx, ev.Path)
	}
}

func (m *Monitor) schedule(ctx context.Context, path string) {
	if !isRegularFile(path) {
		return
	}
	if !m.filter.Load().Admit(path) {
		m.logger.Debug("change ignored by filter", zap.String("path", path))
		return
	}
	m.debouncer.Schedule(ctx, Key(path), func(ctx context.Context) {
		m.scan(ctx, path)
	})
}

func (m *Monitor) scan(ctx context.Context, path string) {
	defer m.recoverHandler(path)

	key := Key(path)
	if !m.guard.TryAcquire(key) {
		m.logger.Debug("scan already in progress", zap.String("path", path))
		return
	}
	defer m.guard.Release(key)

	// Opening a FIFO or device blocks regardless of ctx, so only regular files go on.
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Debug("file vanished before scan", zap.String("path", path))
		return
	}
	if err == nil && !info.Mode().IsRegular() {
		m.logger.Debug("not a regular file", zap.String("path", path), zap.Stringer("mode", info.Mode()))
		return
	}

	if err := m.waitReady(ctx, path); err != nil {
		if ctx.Err() == nil {
			m.record("SKIPPED (locked): " + path)
		}
		return
	}

	resp, err := m.scanner.ScanFile(ctx, path)
	if err != nil {
		if ctx.Err() == nil {
			m.record(fmt.Sprintf("%s: scan failed: %v", path, err))
		}
		return
	}
	m.record(resp)
	if fn := m.observer.Load(); fn != nil {
		(*fn)(path, resp)
	}
}

// waitReady succeeds once path opens for reading. A permission error ends the wait at once.
func (m *Monitor) waitReady(ctx context.Context, path string) error {
	err := m.config.FileReady.Do(ctx, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return retry.Stop(err)
			}
			return err
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrFileLocked, path, err)
	}
	return nil
}

func (m *Monitor) recoverHandler(path string) {
	if r := recover(); r != nil {
		m.logger.Error("monitoring handler panicked", zap.String("path", path), zap.Any("panic", r))
		m.record(fmt.Sprintf("ERROR: %s: %v", path, r))
	}
}

func (m *Monitor) record(line string) {
	m.log.Append(line)
	m.logger.Info("monitor", zap.String("entry", line))
}

func isRegularFile(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
