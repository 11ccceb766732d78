// Package config loads clamsentry configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/infra"
	"github.com/eliteGoblin/clamsentry/internal/monitor"
	"github.com/eliteGoblin/clamsentry/internal/retry"
	"github.com/eliteGoblin/clamsentry/internal/schedule"
	"github.com/eliteGoblin/clamsentry/internal/service"
)

// EnvPrefix prefixes environment overrides, e.g. CLAMSENTRY_DAEMON_PORT.
const EnvPrefix = "CLAMSENTRY"

// Store backends.
const (
	BackendJSON      = "json"
	BackendEncrypted = "encrypted"
)

// Config holds all application configuration.
type Config struct {
	InstallPath string `mapstructure:"install_path"`
	DataDir     string `mapstructure:"data_dir"`
	LogLevel    string `mapstructure:"log_level"`

	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Service  ServiceConfig  `mapstructure:"service"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Store    StoreConfig    `mapstructure:"store"`
	Scan     ScanConfig     `mapstructure:"scan"`
}

// DaemonConfig covers the clamd connection and supervision timings.
type DaemonConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ReadyInterval  time.Duration `mapstructure:"ready_interval"`
	ReadyDeadline  time.Duration `mapstructure:"ready_deadline"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	KillStrays     bool          `mapstructure:"kill_strays"`
}

// MonitorConfig covers real-time monitoring timings.
type MonitorConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	ReadyRetries  int           `mapstructure:"ready_retries"`
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
	EventBuffer   int           `mapstructure:"event_buffer"`
	LogCapacity   int           `mapstructure:"log_capacity"`
}

// ServiceConfig covers the long-running serve loop.
type ServiceConfig struct {
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	SettingsInterval  time.Duration `mapstructure:"settings_interval"`
	StartDaemon       bool          `mapstructure:"start_daemon"`
	StartMonitor      bool          `mapstructure:"start_monitor"`
}

// ScheduleConfig is the recurring scan. An empty Cron disables it.
type ScheduleConfig struct {
	Cron   string `mapstructure:"cron"`
	Target string `mapstructure:"target"`
}

// StoreConfig selects where history and quarantine records live.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// ScanConfig holds scan option defaults.
type ScanConfig struct {
	MoveToQuarantine bool   `mapstructure:"move_to_quarantine"`
	QuarantinePath   string `mapstructure:"quarantine_path"`
	HeuristicAlerts  bool   `mapstructure:"heuristic_alerts"`
	ScanEncrypted    bool   `mapstructure:"scan_encrypted"`
	LeaveTemps       bool   `mapstructure:"leave_temps"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	layout := infra.DetectLayout()
	client := clamd.DefaultClientConfig()
	sup := clamd.DefaultSupervisorConfig()
	mon := monitor.DefaultConfig()
	svc := service.DefaultConfig()

	return &Config{
		DataDir:  layout.DataDir,
		LogLevel: "info",
		Daemon: DaemonConfig{
			Host:           client.Host,
			Port:           client.Port,
			PingTimeout:    client.PingTimeout,
			CommandTimeout: client.CommandTimeout,
			ReadyInterval:  sup.Ready.Interval,
			ReadyDeadline:  sup.Ready.Deadline,
			ShutdownGrace:  sup.ShutdownGrace,
			KillStrays:     sup.KillStrays,
		},
		Monitor: MonitorConfig{
			Debounce:      mon.Debounce,
			ReadyRetries:  mon.FileReady.MaxAttempts,
			ReadyInterval: mon.FileReady.Interval,
			EventBuffer:   mon.EventBuffer,
			LogCapacity:   mon.LogCapacity,
		},
		Service: ServiceConfig{
			KeepaliveInterval: svc.KeepaliveInterval,
			SettingsInterval:  svc.SettingsInterval,
			StartDaemon:       true,
			StartMonitor:      true,
		},
		Store: StoreConfig{Backend: BackendJSON},
		Scan: ScanConfig{
			QuarantinePath: layout.QuarantineDir(),
		},
	}
}

// Load reads configuration from path, or from config.yaml in the data
// directory when path is empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("install_path", cfg.InstallPath)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("daemon.host", cfg.Daemon.Host)
	v.SetDefault("daemon.port", cfg.Daemon.Port)
	v.SetDefault("daemon.ping_timeout", cfg.Daemon.PingTimeout)
	v.SetDefault("daemon.command_timeout", cfg.Daemon.CommandTimeout)
	v.SetDefault("daemon.ready_interval", cfg.Daemon.ReadyInterval)
	v.SetDefault("daemon.ready_deadline", cfg.Daemon.ReadyDeadline)
	v.SetDefault("daemon.shutdown_grace", cfg.Daemon.ShutdownGrace)
	v.SetDefault("daemon.kill_strays", cfg.Daemon.KillStrays)

	v.SetDefault("monitor.debounce", cfg.Monitor.Debounce)
	v.SetDefault("monitor.ready_retries", cfg.Monitor.ReadyRetries)
	v.SetDefault("monitor.ready_interval", cfg.Monitor.ReadyInterval)
	v.SetDefault("monitor.event_buffer", cfg.Monitor.EventBuffer)
	v.SetDefault("monitor.log_capacity", cfg.Monitor.LogCapacity)

	v.SetDefault("service.keepalive_interval", cfg.Service.KeepaliveInterval)
	v.SetDefault("service.settings_interval", cfg.Service.SettingsInterval)
	v.SetDefault("service.start_daemon", cfg.Service.StartDaemon)
	v.SetDefault("service.start_monitor", cfg.Service.StartMonitor)

	v.SetDefault("schedule.cron", cfg.Schedule.Cron)
	v.SetDefault("schedule.target", cfg.Schedule.Target)

	v.SetDefault("store.backend", cfg.Store.Backend)

	v.SetDefault("scan.move_to_quarantine", cfg.Scan.MoveToQuarantine)
	v.SetDefault("scan.quarantine_path", cfg.Scan.QuarantinePath)
	v.SetDefault("scan.heuristic_alerts", cfg.Scan.HeuristicAlerts)
	v.SetDefault("scan.scan_encrypted", cfg.Scan.ScanEncrypted)
	v.SetDefault("scan.leave_temps", cfg.Scan.LeaveTemps)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port out of range: %d", c.Daemon.Port)
	}
	switch c.Store.Backend {
	case BackendJSON, BackendEncrypted:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendJSON, BackendEncrypted, c.Store.Backend)
	}
	if c.Monitor.ReadyRetries < 1 {
		return fmt.Errorf("monitor.ready_retries must be at least 1, got %d", c.Monitor.ReadyRetries)
	}
	if c.Schedule.Cron != "" {
		if c.Schedule.Target == "" {
			return errors.New("schedule.target is required when schedule.cron is set")
		}
		if err := schedule.Validate(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron: %w", err)
		}
	}
	return nil
}

// Layout returns the data directory layout.
func (c *Config) Layout() infra.Layout {
	return infra.NewLayout(c.DataDir)
}

// ClientConfig derives the clamd protocol client configuration.
func (c *Config) ClientConfig() clamd.ClientConfig {
	return clamd.ClientConfig{
		Host:           c.Daemon.Host,
		Port:           c.Daemon.Port,
		PingTimeout:    c.Daemon.PingTimeout,
		CommandTimeout: c.Daemon.CommandTimeout,
	}
}

// SupervisorConfig derives the daemon supervisor configuration.
func (c *Config) SupervisorConfig() clamd.SupervisorConfig {
	sc := clamd.DefaultSupervisorConfig()
	sc.Ready = retry.Policy{Interval: c.Daemon.ReadyInterval, Deadline: c.Daemon.ReadyDeadline}
	sc.ShutdownGrace = c.Daemon.ShutdownGrace
	sc.KillStrays = c.Daemon.KillStrays
	return sc
}

// MonitorConfig derives the monitoring engine configuration.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Debounce:    c.Monitor.Debounce,
		FileReady:   retry.Policy{Interval: c.Monitor.ReadyInterval, MaxAttempts: c.Monitor.ReadyRetries},
		EventBuffer: c.Monitor.EventBuffer,
		LogCapacity: c.Monitor.LogCapacity,
	}
}

// ServiceConfig derives the serve loop configuration.
func (c *Config) ServiceConfig() service.Config {
	sc := service.DefaultConfig()
	sc.KeepaliveInterval = c.Service.KeepaliveInterval
	sc.SettingsInterval = c.Service.SettingsInterval
	sc.StartDaemon = c.Service.StartDaemon
	sc.StartMonitor = c.Service.StartMonitor
	sc.ScheduleCron = c.Schedule.Cron
	sc.ScheduleTarget = c.Schedule.Target
	sc.ScanOptions = c.ScanOptions()
	return sc
}

// ScanOptions derives the default scan options.
func (c *Config) ScanOptions() domain.ScanOptions {
	return domain.ScanOptions{
		MoveToQuarantine: c.Scan.MoveToQuarantine,
		QuarantinePath:   c.Scan.QuarantinePath,
		HeuristicAlerts:  c.Scan.HeuristicAlerts,
		ScanEncrypted:    c.Scan.ScanEncrypted,
		LeaveTemps:       c.Scan.LeaveTemps,
	}
}

// YAML renders the effective configuration with human-readable durations.
func (c *Config) YAML() ([]byte, error) {
	doc := map[string]any{
		"install_path": c.InstallPath,
		"data_dir":     c.DataDir,
		"log_level":    c.LogLevel,
		"daemon": map[string]any{
			"host":            c.Daemon.Host,
			"port":            c.Daemon.Port,
			"ping_timeout":    c.Daemon.PingTimeout.String(),
			"command_timeout": c.Daemon.CommandTimeout.String(),
			"ready_interval":  c.Daemon.ReadyInterval.String(),
			"ready_deadline":  c.Daemon.ReadyDeadline.String(),
			"shutdown_grace":  c.Daemon.ShutdownGrace.String(),
			"kill_strays":     c.Daemon.KillStrays,
		},
		"monitor": map[string]any{
			"debounce":       c.Monitor.Debounce.String(),
			"ready_retries":  c.Monitor.ReadyRetries,
			"ready_interval": c.Monitor.ReadyInterval.String(),
			"event_buffer":   c.Monitor.EventBuffer,
			"log_capacity":   c.Monitor.LogCapacity,
		},
		"service": map[string]any{
			"keepalive_interval": c.Service.KeepaliveInterval.String(),
			"settings_interval":  c.Service.SettingsInterval.String(),
			"start_daemon":       c.Service.StartDaemon,
			"start_monitor":      c.Service.StartMonitor,
		},
		"schedule": map[string]any{
			"cron":   c.Schedule.Cron,
			"target": c.Schedule.Target,
		},
		"store": map[string]any{
			"backend": c.Store.Backend,
		},
		"scan": map[string]any{
			"move_to_quarantine": c.Scan.MoveToQuarantine,
			"quarantine_path":    c.Scan.QuarantinePath,
			"heuristic_alerts":   c.Scan.HeuristicAlerts,
			"scan_encrypted":     c.Scan.ScanEncrypted,
			"leave_temps":        c.Scan.LeaveTemps,
		},
	}
	return yaml.Marshal(doc)
}

// DefaultPath returns the config file location under the default data directory.
func DefaultPath() string {
	return filepath.Join(infra.DetectLayout().DataDir, "config.yaml")
}
