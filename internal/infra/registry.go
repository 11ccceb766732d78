package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// FileRegistry implements domain.ServiceRegistry using a JSON file in the data directory.
type FileRegistry struct {
	path           string
	processManager domain.ProcessManager
	mu             sync.Mutex
}

// NewFileRegistry creates a registry at path.
func NewFileRegistry(path string, pm domain.ProcessManager) *FileRegistry {
	return &FileRegistry{path: path, processManager: pm}
}

// GetRegistryPath returns the registry file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// RegisterService records the serving process.
func (r *FileRegistry) RegisterService(pid int) error {
	return r.update(func(e *domain.RegistryEntry) {
		e.ServicePID = pid
		e.ServiceStartedAt = time.Now().Unix()
	})
}

// RegisterDaemon records a clamd launched by the supervisor.
func (r *FileRegistry) RegisterDaemon(pid int, address string) error {
	return r.update(func(e *domain.RegistryEntry) {
		e.DaemonPID = pid
		e.DaemonAddress = address
		e.DaemonStartedAt = time.Now().Unix()
	})
}

// ClearDaemon forgets the clamd PID but keeps the service entry.
func (r *FileRegistry) ClearDaemon() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.GetAll()
	if err != nil || entry == nil {
		return err
	}
	entry.DaemonPID = 0
	entry.DaemonAddress = ""
	entry.DaemonStartedAt = 0
	return r.atomicWrite(entry)
}

// IsServiceAlive reports whether the registered service PID is running.
func (r *FileRegistry) IsServiceAlive() (bool, int) {
	entry, err := r.GetAll()
	if err != nil || entry == nil || entry.ServicePID == 0 {
		return false, 0
	}
	return r.processManager.IsRunning(entry.ServicePID), entry.ServicePID
}

func (r *FileRegistry) update(fn func(*domain.RegistryEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, _ := r.GetAll() // May not exist yet
	if entry == nil {
		entry = &domain.RegistryEntry{Version: 1}
	}
	fn(entry)
	return r.atomicWrite(entry)
}

// GetAll returns full registry state, or nil when the file does not exist.
func (r *FileRegistry) GetAll() (*domain.RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt registry %s: %w", r.path, err)
	}
	return &entry, nil
}

// Clear removes registry file.
func (r *FileRegistry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// atomicWrite writes registry to file atomically (write + rename).
func (r *FileRegistry) atomicWrite(entry *domain.RegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.ServiceRegistry.
var _ domain.ServiceRegistry = (*FileRegistry)(nil)
