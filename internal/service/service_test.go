package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/infra"
)

type testService struct {
	svc        *Service
	log        *callLog
	supervisor *mockSupervisor
	monitor    *mockMonitor
	scanner    *mockScanner
	scheduler  *mockScheduler
	history    *mockRecorder
	registry   *mockRegistry
	settings   domain.SettingsStore
}

func newTestService(t *testing.T, cfg Config) *testService {
	t.Helper()
	log := &callLog{}
	ts := &testService{
		log:        log,
		supervisor: &mockSupervisor{log: log},
		monitor:    &mockMonitor{log: log},
		scanner:    &mockScanner{},
		scheduler:  &mockScheduler{log: log},
		history:    &mockRecorder{},
		registry:   &mockRegistry{log: log},
		settings:   infra.NewLineSettingsStore(t.TempDir()),
	}
	ts.svc = New(cfg, clamd.Installation{Dir: "/opt/clamav"}, Deps{
		Supervisor: ts.supervisor,
		Monitor:    ts.monitor,
		Scanner:    ts.scanner,
		Scheduler:  ts.scheduler,
		Settings:   ts.settings,
		History:    ts.history,
		Registry:   ts.registry,
		Processes:  newMockProcessManager(),
	}, zap.NewNop())
	return ts
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = time.Hour
	cfg.SettingsInterval = time.Hour
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestService_Run_StartsAndShutsDownInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.ScheduleCron = "@daily"
	cfg.ScheduleTarget = "/srv"
	ts := newTestService(t, cfg)

	root := t.TempDir()
	require.NoError(t, ts.settings.SaveList(domain.ListMonitoredPaths, []string{root}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(ts.log.all()) >= 4
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, []string{
		"registry.register",
		"supervisor.start",
		"monitor.start",
		"scheduler.start",
		"scheduler.stop",
		"monitor.stop",
		"supervisor.stop",
		"registry.clear",
	}, ts.log.all())
	assert.Equal(t, "@daily", ts.scheduler.expr)
	assert.Contains(t, ts.history.details(), "Monitoring started for: "+root)
}

func TestService_Run_RegisterFailure(t *testing.T) {
	ts := newTestService(t, testConfig())
	ts.registry.registerErr = errors.New("disk full")

	err := ts.svc.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, ts.log.all())
}

func TestService_Run_DaemonAndMonitorDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.StartDaemon = false
	cfg.StartMonitor = false
	ts := newTestService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ts.svc.Run(ctx))

	assert.Equal(t, []string{"registry.register", "registry.clear"}, ts.log.all())
}

func TestService_Keepalive(t *testing.T) {
	tests := []struct {
		name        string
		state       domain.DaemonState
		wantRestart bool
	}{
		{name: "ready", state: domain.DaemonReady, wantRestart: false},
		{name: "starting", state: domain.DaemonStarting, wantRestart: false},
		{name: "stopping", state: domain.DaemonStopping, wantRestart: false},
		{name: "stopped", state: domain.DaemonStopped, wantRestart: true},
		{name: "failed", state: domain.DaemonFailedToStart, wantRestart: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestService(t, testConfig())
			ts.supervisor.setState(tt.state)

			ts.svc.keepalive(context.Background())

			if tt.wantRestart {
				assert.Equal(t, []string{"supervisor.start"}, ts.log.all())
			} else {
				assert.Empty(t, ts.log.all())
			}
		})
	}
}

func TestService_ReloadSettings(t *testing.T) {
	ts := newTestService(t, testConfig())
	rootA := t.TempDir()
	rootB := t.TempDir()
	require.NoError(t, ts.settings.SaveList(domain.ListMonitoredPaths, []string{rootA}))

	ts.svc.startMonitor(context.Background())
	require.Len(t, ts.monitor.started, 1)

	t.Run("unchanged settings are ignored", func(t *testing.T) {
		ts.svc.reloadSettings(context.Background())
		assert.Len(t, ts.monitor.started, 1)
		assert.Empty(t, ts.monitor.filters)
	})

	t.Run("filter change updates in place", func(t *testing.T) {
		require.NoError(t, ts.settings.SaveList(domain.ListFilters, []string{"*.tmp"}))
		ts.svc.reloadSettings(context.Background())

		assert.Len(t, ts.monitor.started, 1)
		require.Len(t, ts.monitor.filters, 1)
		assert.Equal(t, []string{"*.tmp"}, ts.monitor.filters[0].Filters)
	})

	t.Run("root change restarts watchers", func(t *testing.T) {
		require.NoError(t, ts.settings.SaveList(domain.ListMonitoredPaths, []string{rootA, rootB}))
		ts.svc.reloadSettings(context.Background())

		require.Len(t, ts.monitor.started, 2)
		assert.Equal(t, []string{filepath.Clean(rootA), filepath.Clean(rootB)}, ts.monitor.started[1].Roots)
		assert.Len(t, ts.monitor.filters, 1)
	})
}

func TestService_ObserveScan(t *testing.T) {
	ts := newTestService(t, testConfig())
	ts.svc.startMonitor(context.Background())
	require.NotNil(t, ts.monitor.observer)

	ts.monitor.observer("/srv/ok.txt", "/srv/ok.txt: OK")
	ts.monitor.observer("/srv/eicar.com", "/srv/eicar.com: Eicar-Signature FOUND")

	require.Len(t, ts.history.events, 1)
	assert.Equal(t, domain.EventMonitoring, ts.history.events[0].EventType)
	assert.Equal(t, "Threat detected: /srv/eicar.com: Eicar-Signature FOUND", ts.history.events[0].Details)
}

func TestService_ScheduledJobScansTarget(t *testing.T) {
	cfg := testConfig()
	cfg.ScheduleCron = "0 2 * * *"
	cfg.ScheduleTarget = "/srv/data"
	ts := newTestService(t, cfg)

	require.NoError(t, ts.svc.startScheduler())
	require.NotNil(t, ts.scheduler.job)

	ts.scheduler.job(context.Background())
	assert.Equal(t, []string{"/srv/data"}, ts.scanner.targets)

	ts.scanner.err = errors.New("boom")
	ts.scheduler.job(context.Background())
	assert.Len(t, ts.scanner.targets, 2)
}

func TestService_SchedulerInvalidExpression(t *testing.T) {
	cfg := testConfig()
	cfg.ScheduleCron = "bogus"
	ts := newTestService(t, cfg)
	ts.scheduler.err = errors.New("invalid cron expression")

	assert.Error(t, ts.svc.startScheduler())
	assert.NotContains(t, ts.log.all(), "scheduler.start")
}
