package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/scan"
)

// mockHistoryStore implements domain.HistoryStore for testing
type mockHistoryStore struct {
	mu        sync.Mutex
	events    []domain.HistoryEvent
	appendErr error
}

func (m *mockHistoryStore) Append(e domain.HistoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append([]domain.HistoryEvent{e}, m.events...)
	return nil
}

func (m *mockHistoryStore) List() ([]domain.HistoryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.HistoryEvent(nil), m.events...), nil
}

func (m *mockHistoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.events {
		if e.ID == id {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
}

func (m *mockHistoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	return nil
}

// details returns event details oldest first.
func (m *mockHistoryStore) details() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, m.events[i].Details)
	}
	return out
}

// mockQuarantineStore implements domain.QuarantineStore for testing
type mockQuarantineStore struct {
	records map[string]domain.QuarantineRecord
	addErr  error
}

func newMockQuarantineStore(records ...domain.QuarantineRecord) *mockQuarantineStore {
	m := &mockQuarantineStore{records: make(map[string]domain.QuarantineRecord)}
	for _, r := range records {
		m.records[r.ID] = r
	}
	return m
}

func (m *mockQuarantineStore) Add(records ...domain.QuarantineRecord) error {
	if m.addErr != nil {
		return m.addErr
	}
	for _, r := range records {
		m.records[r.ID] = r
	}
	return nil
}

func (m *mockQuarantineStore) List() ([]domain.QuarantineRecord, error) {
	out := make([]domain.QuarantineRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.After(out[j].QuarantinedAt) })
	return out, nil
}

func (m *mockQuarantineStore) Get(id string) (*domain.QuarantineRecord, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return &r, nil
}

func (m *mockQuarantineStore) Remove(id string) error {
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	delete(m.records, id)
	return nil
}

// mockFileSystemManager implements domain.FileSystemManager for testing
type mockFileSystemManager struct {
	existingPaths map[string]bool
	deleteErr     error
	deletedPaths  []string
	moves         [][2]string
}

func newMockFileSystemManager(paths ...string) *mockFileSystemManager {
	m := &mockFileSystemManager{existingPaths: make(map[string]bool)}
	for _, p := range paths {
		m.existingPaths[p] = true
	}
	return m
}

func (m *mockFileSystemManager) Exists(path string) bool {
	return m.existingPaths[path]
}

func (m *mockFileSystemManager) IsDir(path string) bool {
	return false
}

func (m *mockFileSystemManager) Delete(path string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletedPaths = append(m.deletedPaths, path)
	delete(m.existingPaths, path)
	return nil
}

func (m *mockFileSystemManager) Move(src, dst string) error {
	if !m.existingPaths[src] {
		return os.ErrNotExist
	}
	m.moves = append(m.moves, [2]string{src, dst})
	delete(m.existingPaths, src)
	m.existingPaths[dst] = true
	return nil
}

func (m *mockFileSystemManager) ExpandHome(path string) string {
	return path // No expansion in tests
}

// mockScanRunner implements ScanRunner for testing
type mockScanRunner struct {
	report  *scan.Report
	err     error
	results []domain.ScanItemResult
	lastReq scan.Request
}

func (m *mockScanRunner) Run(ctx context.Context, req scan.Request, onResult scan.ResultFunc) (*scan.Report, error) {
	m.lastReq = req
	if onResult != nil {
		for _, r := range m.results {
			onResult(r)
		}
	}
	return m.report, m.err
}

// mockPinger implements Pinger for testing
type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.err
}

var errStore = errors.New("store unavailable")
