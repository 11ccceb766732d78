package domain

import "context"

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes whose executable name is exactly name
	// (an optional .exe suffix is ignored).
	FindByName(name string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// Terminate asks a process to exit (SIGTERM; on Windows this is a hard kill).
	Terminate(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// FileSystemManager handles filesystem operations.
type FileSystemManager interface {
	// Exists checks if a path exists.
	Exists(path string) bool

	// IsDir reports whether path exists and is a directory.
	IsDir(path string) bool

	// Delete removes a file or directory recursively.
	Delete(path string) error

	// Move renames src to dst, copying across devices when needed.
	Move(src, dst string) error

	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string
}

// DaemonClient speaks the clamd command protocol.
type DaemonClient interface {
	// Ping succeeds when clamd answers PONG within the ping timeout.
	Ping(ctx context.Context) error

	// ScanFile asks clamd to scan a single file and returns the raw response line.
	ScanFile(ctx context.Context, path string) (string, error)

	// Shutdown asks clamd to exit. No response is expected.
	Shutdown(ctx context.Context) error
}

// FileScanner is the subset of the client the monitor needs.
type FileScanner interface {
	ScanFile(ctx context.Context, path string) (string, error)
}

// ServiceRegistry records the background service and the clamd it launched.
// Implementation: JSON file in the data directory, replaced atomically.
type ServiceRegistry interface {
	// RegisterService records the serving process.
	RegisterService(pid int) error

	// RegisterDaemon records a clamd launched by the supervisor.
	RegisterDaemon(pid int, address string) error

	// ClearDaemon forgets the clamd PID.
	ClearDaemon() error

	// GetAll returns the registry state, or nil when nothing is registered.
	GetAll() (*RegistryEntry, error)

	// Clear removes the registry file.
	Clear() error

	// GetRegistryPath returns the registry file path (for tests).
	GetRegistryPath() string
}

// HistoryStore persists activity events, newest first.
type HistoryStore interface {
	Append(event HistoryEvent) error
	List() ([]HistoryEvent, error)
	Delete(id string) error
	Clear() error
}

// QuarantineStore persists quarantine records.
type QuarantineStore interface {
	Add(records ...QuarantineRecord) error
	List() ([]QuarantineRecord, error)
	Get(id string) (*QuarantineRecord, error)
	Remove(id string) error
}

// SettingsList names one persisted list setting.
type SettingsList string

const (
	ListMonitoredPaths SettingsList = "monitored_paths"
	ListFilters        SettingsList = "monitoring_filters"
	ListExclusions     SettingsList = "monitoring_exclusions"
)

// SettingsStore persists the install path and the monitoring lists.
type SettingsStore interface {
	LoadInstallPath() (string, error)
	SaveInstallPath(path string) error
	LoadList(list SettingsList) ([]string, error)
	SaveList(list SettingsList, values []string) error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// AutostartManager registers the background service to start at login.
type AutostartManager interface {
	// Install writes the login entry for execPath and activates it.
	Install(execPath string) error

	// Uninstall deactivates and removes the login entry.
	Uninstall() error

	// IsInstalled checks if the login entry exists.
	IsInstalled() bool

	// NeedsUpdate reports whether the installed entry differs from what Install would write.
	NeedsUpdate(execPath string) bool

	// Path returns the login entry file path.
	Path() string
}
