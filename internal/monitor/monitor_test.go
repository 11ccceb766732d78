package monitor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/retry"
)

// mockScanner is a test double for domain.FileScanner
type mockScanner struct {
	mu      sync.Mutex
	scanned []string
	block   chan struct{}
	panics  bool
}

func (s *mockScanner) ScanFile(ctx context.Context, path string) (string, error) {
	if s.panics {
		panic("scanner exploded")
	}
	s.mu.Lock()
	s.scanned = append(s.scanned, path)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return path + ": OK", nil
}

func (s *mockScanner) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scanned...)
}

// chanSource is an EventSource fed directly by the test.
type chanSource struct {
	events chan domain.FileChangeEvent
	errors chan error
	once   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{
		events: make(chan domain.FileChangeEvent, 64),
		errors: make(chan error, 4),
	}
}

func (c *chanSource) Events() <-chan domain.FileChangeEvent { return c.events }
func (c *chanSource) Errors() <-chan error { return c.errors }
func (c *chanSource) Close() error {
	c.once.Do(func() {
		close(c.events)
		close(c.errors)
	})
	return nil
}

type monitorHarness struct {
	monitor *Monitor
	scanner *mockScanner
	source  *chanSource
	root    string
}

func testMonitorConfig() Config {
	cfg := DefaultConfig()
	cfg.Debounce = 50 * time.Millisecond
	cfg.FileReady = retry.Policy{Interval: 10 * time.Millisecond, MaxAttempts: 3}
	return cfg
}

func newMonitorHarness(t *testing.T, settings Settings) *monitorHarness {
	t.Helper()
	h := &monitorHarness{
		scanner: &mockScanner{},
		source:  newChanSource(),
		root:    t.TempDir(),
	}
	factory := func(root string) (EventSource, error) { return h.source, nil }
	h.monitor = New(testMonitorConfig(), h.scanner, factory, zap.NewNop())
	settings.Roots = append([]string{h.root}, settings.Roots...)
	require.NoError(t, h.monitor.Start(context.Background(), settings))
	t.Cleanup(h.monitor.Stop)
	return h
}

func (h *monitorHarness) file(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(h.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("data"), 0644))
	return p
}

func (h *monitorHarness) send(kind domain.ChangeKind, path string) {
	h.source.events <- domain.FileChangeEvent{Path: path, Kind: kind}
}

func logContains(m *Monitor, want string) bool {
	for _, line := range m.Log() {
		if strings.Contains(line, want) {
			return true
		}
	}
	return false
}

func TestMonitor_DebounceCoalescesBurst(t *testing.T) {
	h := newMonitorHarness(t, Settings{})
	p := h.file(t, "report.docx")

	for i := 0; i < 5; i++ {
		h.send(domain.ChangeWrite, p)
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return len(h.scanner.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{p}, h.scanner.calls())
	assert.True(t, logContains(h.monitor, p+": OK"))
}

func TestMonitor_ActiveScanGuardDropsOverlap(t *testing.T) {
	h := newMonitorHarness(t, Settings{})
	h.scanner.block = make(chan struct{})
	p := h.file(t, "big.iso")

	h.send(domain.ChangeCreate, p)
	require.Eventually(t, func() bool { return h.monitor.guard.Active(Key(p)) }, 2*time.Second, 5*time.Millisecond)

	h.send(domain.ChangeWrite, p)
	time.Sleep(200 * time.Millisecond)
	close(h.scanner.block)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.scanner.calls(), 1)
}

func TestMonitor_ExclusionAndFilter(t *testing.T) {
	h := newMonitorHarness(t, Settings{Filters: []string{".exe"}})
	excludedDir := filepath.Join(h.root, "cache")
	require.NoError(t, os.MkdirAll(excludedDir, 0755))
	h.monitor.UpdateFilter(Settings{Exclusions: []string{excludedDir}, Filters: []string{".exe"}})

	skipped := h.file(t, "cache/tool.exe")
	ignored := h.file(t, "notes.txt")
	scanned := h.file(t, "setup.EXE")

	h.send(domain.ChangeCreate, skipped)
	h.send(domain.ChangeCreate, ignored)
	h.send(domain.ChangeCreate, scanned)

	assert.Eventually(t, func() bool { return len(h.scanner.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{scanned}, h.scanner.calls())
}

func TestMonitor_DeleteAndRenameAreLogged(t *testing.T) {
	h := newMonitorHarness(t, Settings{})
	renamed := h.file(t, "new.txt")

	h.send(domain.ChangeRemove, filepath.Join(h.root, "gone.txt"))
	h.source.events <- domain.FileChangeEvent{Path: renamed, OldPath: filepath.Join(h.root, "old.txt"), Kind: domain.ChangeRenameTo}

	assert.Eventually(t, func() bool {
		return logContains(h.monitor, "DELETED: "+filepath.Join(h.root, "gone.txt")) &&
			logContains(h.monitor, "RENAMED: "+filepath.Join(h.root, "old.txt")+" -> "+renamed)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(h.scanner.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_WatcherErrorIsLogged(t *testing.T) {
	h := newMonitorHarness(t, Settings{})
	h.source.errors <- assert.AnError

	assert.Eventually(t, func() bool { return logContains(h.monitor, "WATCHER ERROR: ") }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_MissingRootSkipped(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	h := newMonitorHarness(t, Settings{Roots: []string{missing}})

	assert.True(t, logContains(h.monitor, "Skipped (not found): "+missing))
	assert.True(t, logContains(h.monitor, "Monitoring started for: "+h.root))
	assert.True(t, h.monitor.Running())
}

func TestMonitor_StopCancelsPending(t *testing.T) {
	h := newMonitorHarness(t, Settings{})
	p := h.file(t, "pending.bin")

	h.send(domain.ChangeWrite, p)
	time.Sleep(10 * time.Millisecond)
	h.monitor.Stop()
	h.monitor.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.scanner.calls())
	assert.False(t, h.monitor.Running())
	assert.True(t, logContains(h.monitor, "Monitoring stopped."))
}

func TestMonitor_LockedFileSkipped(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs a non-root POSIX user to deny reads")
	}
	h := newMonitorHarness(t, Settings{})
	p := h.file(t, "secret.db")
	require.NoError(t, os.Chmod(p, 0000))
	t.Cleanup(func() { _ = os.Chmod(p, 0644) })

	h.send(domain.ChangeWrite, p)

	assert.Eventually(t, func() bool { return logContains(h.monitor, "SKIPPED (locked): "+p) }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.scanner.calls())
}

func TestMonitor_PanicIsContained(t *testing.T) {
	h := newMonitorHarness(t, Settings{})
	h.scanner.panics = true
	p := h.file(t, "boom.bin")

	h.send(domain.ChangeWrite, p)

	assert.Eventually(t, func() bool { return logContains(h.monitor, "scanner exploded") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.monitor.guard.Active(Key(p)))
}

func TestMonitor_ObserverReceivesResponses(t *testing.T) {
	h := newMonitorHarness(t, Settings{})
	got := make(chan string, 1)
	h.monitor.SetObserver(func(path, response string) { got <- response })
	p := h.file(t, "x.bin")

	h.send(domain.ChangeCreate, p)

	select {
	case resp := <-got:
		assert.Equal(t, p+": OK", resp)
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
	}
}
