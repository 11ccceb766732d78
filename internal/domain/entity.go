// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// DaemonState is the lifecycle state of the supervised clamd process.
type DaemonState int

const (
	DaemonStopped DaemonState = iota
	DaemonStarting
	DaemonReady
	DaemonFailedToStart
	DaemonStopping
)

func (s DaemonState) String() string {
	switch s {
	case DaemonStopped:
		return "stopped"
	case DaemonStarting:
		return "starting"
	case DaemonReady:
		return "ready"
	case DaemonFailedToStart:
		return "failed-to-start"
	case DaemonStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DaemonStatus is a point-in-time view of the supervisor.
type DaemonStatus struct {
	State   DaemonState
	PID     int  // 0 when no managed process exists
	Managed bool // true when this process launched the daemon
}

// ScanOptions controls an on-demand scan.
// Options are never written into the daemon configuration file.
type ScanOptions struct {
	MoveToQuarantine bool
	QuarantinePath   string
	HeuristicAlerts  bool
	ScanEncrypted    bool
	LeaveTemps       bool
}

// ScanItemResult is one per-file verdict reported by the scanner.
type ScanItemResult struct {
	Path       string `json:"path"`
	Status     string `json:"status"`
	IsThreat   bool   `json:"is_threat"`
	ThreatName string `json:"threat_name,omitempty"`
}

// ScanSummary holds the trailing summary block of a scan, kept as reported.
type ScanSummary struct {
	KnownViruses       string `json:"known_viruses"`
	EngineVersion      string `json:"engine_version"`
	ScannedDirectories string `json:"scanned_directories"`
	ScannedFiles       string `json:"scanned_files"`
	InfectedFiles      string `json:"infected_files"`
	TimeTaken          string `json:"time_taken"`
}

// QuarantineRecord describes one file the scanner moved into quarantine.
type QuarantineRecord struct {
	ID             string    `json:"id"`
	OriginalPath   string    `json:"original_path"`
	QuarantinePath string    `json:"quarantine_path"`
	ThreatName     string    `json:"threat_name"`
	QuarantinedAt  time.Time `json:"quarantined_at"`
	Notes          string    `json:"notes"`
}

// History event types.
const (
	EventScan              = "Scan"
	EventUpdate            = "Update"
	EventUpdateFailed      = "Update Failed"
	EventConfigInitialized = "Config Initialized"
	EventMonitoring        = "Monitoring"
)

// HistoryEvent is one entry of the activity history.
type HistoryEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details"`
}

// ChangeKind classifies a filesystem change notification.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota
	ChangeWrite
	ChangeRemove
	ChangeRenameFrom
	ChangeRenameTo
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeWrite:
		return "write"
	case ChangeRemove:
		return "remove"
	case ChangeRenameFrom:
		return "rename-from"
	case ChangeRenameTo:
		return "rename-to"
	default:
		return "unknown"
	}
}

// FileChangeEvent is a filesystem notification delivered to the monitor.
type FileChangeEvent struct {
	Path    string
	OldPath string // set for ChangeRenameTo when the source name is known
	Kind    ChangeKind
}

// RegistryEntry persists the PIDs of the background service and the clamd it launched,
// so a later CLI invocation can find and stop them.
type RegistryEntry struct {
	Version          int    `json:"version"`
	ServicePID       int    `json:"service_pid"`
	DaemonPID        int    `json:"daemon_pid"`
	DaemonAddress    string `json:"daemon_address,omitempty"`
	ServiceStartedAt int64  `json:"service_started_at,omitempty"`
	DaemonStartedAt  int64  `json:"daemon_started_at,omitempty"`
}
