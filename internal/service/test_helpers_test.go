package service

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/monitor"
	"github.com/eliteGoblin/clamsentry/internal/scan"
	"github.com/eliteGoblin/clamsentry/internal/schedule"
)

// callLog records the order of calls across all mocks.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type mockSupervisor struct {
	log      *callLog
	mu       sync.Mutex
	state    domain.DaemonState
	startErr error
}

func (m *mockSupervisor) Start(ctx context.Context, inst clamd.Installation) error {
	m.log.add("supervisor.start")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.state = domain.DaemonReady
	return nil
}

func (m *mockSupervisor) Stop(ctx context.Context) error {
	m.log.add("supervisor.stop")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = domain.DaemonStopped
	return nil
}

func (m *mockSupervisor) Refresh(ctx context.Context) domain.DaemonState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSupervisor) Status() domain.DaemonStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.DaemonStatus{State: m.state, PID: 4242, Managed: true}
}

func (m *mockSupervisor) setState(state domain.DaemonState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

type mockMonitor struct {
	log      *callLog
	mu       sync.Mutex
	started  []monitor.Settings
	filters  []monitor.Settings
	observer monitor.ScanObserver
}

func (m *mockMonitor) Start(ctx context.Context, settings monitor.Settings) error {
	m.log.add("monitor.start")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, settings)
	return nil
}

func (m *mockMonitor) Stop() {
	m.log.add("monitor.stop")
}

func (m *mockMonitor) UpdateFilter(settings monitor.Settings) {
	m.log.add("monitor.update_filter")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, settings)
}

func (m *mockMonitor) SetObserver(fn monitor.ScanObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

type mockScanner struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (m *mockScanner) Scan(ctx context.Context, inst clamd.Installation, target string, opts domain.ScanOptions, onResult scan.ResultFunc) (*scan.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
	if m.err != nil {
		return nil, m.err
	}
	return &scan.Report{Target: target}, nil
}

type mockScheduler struct {
	log  *callLog
	expr string
	job  schedule.Job
	err  error
}

func (m *mockScheduler) SetJob(expr string, fn schedule.Job) error {
	if m.err != nil {
		return m.err
	}
	m.expr = expr
	m.job = fn
	return nil
}

func (m *mockScheduler) Start() {
	m.log.add("scheduler.start")
}

func (m *mockScheduler) Stop() {
	m.log.add("scheduler.stop")
}

func (m *mockScheduler) NextRunAt() *time.Time {
	next := time.Now().Add(time.Hour)
	return &next
}

type mockRecorder struct {
	mu     sync.Mutex
	events []domain.HistoryEvent
}

func (m *mockRecorder) Record(eventType, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.HistoryEvent{EventType: eventType, Details: details})
	return nil
}

func (m *mockRecorder) details() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Details)
	}
	return out
}

type mockRegistry struct {
	log         *callLog
	servicePID  int
	registerErr error
}

func (m *mockRegistry) RegisterService(pid int) error {
	if m.registerErr != nil {
		return m.registerErr
	}
	m.log.add("registry.register")
	m.servicePID = pid
	return nil
}

func (m *mockRegistry) RegisterDaemon(pid int, address string) error { return nil }

func (m *mockRegistry) ClearDaemon() error { return nil }

func (m *mockRegistry) GetAll() (*domain.RegistryEntry, error) {
	return &domain.RegistryEntry{ServicePID: m.servicePID}, nil
}

func (m *mockRegistry) Clear() error {
	m.log.add("registry.clear")
	return nil
}

func (m *mockRegistry) GetRegistryPath() string { return "" }

// mockProcessManager simulates processes that exit on SIGTERM unless stubborn.
type mockProcessManager struct {
	mu         sync.Mutex
	running    map[int]bool
	stubborn   map[int]bool
	terminated []int
	killed     []int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{running: make(map[int]bool), stubborn: make(map[int]bool)}
}

func (m *mockProcessManager) FindByName(name string) ([]int, error) { return nil, nil }

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, pid)
	delete(m.running, pid)
	return nil
}

func (m *mockProcessManager) Terminate(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, pid)
	if !m.stubborn[pid] {
		delete(m.running, pid)
	}
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[pid]
}

func (m *mockProcessManager) GetCurrentPID() int { return os.Getpid() }

var (
	_ DaemonSupervisor       = (*mockSupervisor)(nil)
	_ Monitoring             = (*mockMonitor)(nil)
	_ Scanner                = (*mockScanner)(nil)
	_ Scheduler              = (*mockScheduler)(nil)
	_ domain.ServiceRegistry = (*mockRegistry)(nil)
	_ domain.ProcessManager  = (*mockProcessManager)(nil)
)
