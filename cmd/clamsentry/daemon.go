package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/infra"
	"github.com/eliteGoblin/clamsentry/internal/monitor"
	"github.com/eliteGoblin/clamsentry/internal/retry"
	"github.com/eliteGoblin/clamsentry/internal/scan"
	"github.com/eliteGoblin/clamsentry/internal/schedule"
	"github.com/eliteGoblin/clamsentry/internal/service"
	"github.com/eliteGoblin/clamsentry/internal/usecase"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service, daemon and history status",
	RunE:  runStatus,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Control and query clamd",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the background service (clamd, monitoring and scheduled scans)",
	Long: `Launches the clamsentry service in the background. The service starts clamd,
restarts it if it dies, watches the monitored folders and runs the scheduled scan.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background service and clamd",
	RunE:  runDaemonStop,
}

var daemonPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that clamd answers PING",
	RunE: clientCommand(func(ctx context.Context, c *clamd.ClientImpl) (string, error) {
		if err := c.Ping(ctx); err != nil {
			return "", err
		}
		return "PONG", nil
	}),
}

var daemonVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the clamd engine and database version",
	RunE: clientCommand(func(ctx context.Context, c *clamd.ClientImpl) (string, error) {
		return c.Version(ctx)
	}),
}

var daemonReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask clamd to reload its signature database",
	RunE: clientCommand(func(ctx context.Context, c *clamd.ClientImpl) (string, error) {
		return c.Reload(ctx)
	}),
}

var daemonStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print clamd thread and queue statistics",
	RunE: clientCommand(func(ctx context.Context, c *clamd.ClientImpl) (string, error) {
		return c.Stats(ctx)
	}),
}

var daemonCommandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands clamd supports",
	RunE: clientCommand(func(ctx context.Context, c *clamd.ClientImpl) (string, error) {
		return c.VersionCommands(ctx)
	}),
}

var daemonScanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Scan a file or folder through clamd",
	Args:  cobra.ExactArgs(1),
	RunE:  runDaemonScan,
}

var daemonLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the clamd log file named in clamd.conf",
	RunE:  runDaemonLog,
}

var daemonEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Start the background service automatically at login",
	RunE:  runDaemonEnable,
}

var daemonDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Stop starting the background service at login",
	RunE:  runDaemonDisable,
}

// Hidden serve command - used for self-exec by 'daemon start'
var serveCmd = &cobra.Command{
	Use:    service.ServeCommand,
	Hidden: true,
	RunE:   runServe,
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonPingCmd)
	daemonCmd.AddCommand(daemonVersionCmd)
	daemonCmd.AddCommand(daemonReloadCmd)
	daemonCmd.AddCommand(daemonStatsCmd)
	daemonCmd.AddCommand(daemonCommandsCmd)
	daemonCmd.AddCommand(daemonScanCmd)
	daemonCmd.AddCommand(daemonLogCmd)
	daemonCmd.AddCommand(daemonEnableCmd)
	daemonCmd.AddCommand(daemonDisableCmd)
}

// clientCommand runs one clamd request bounded by the command timeout.
func clientCommand(fn func(ctx context.Context, c *clamd.ClientImpl) (string, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Daemon.CommandTimeout)
		defer cancel()

		client := a.client()
		out, err := fn(ctx, client)
		if err != nil {
			return fmt.Errorf("clamd at %s: %w", client.Address(), err)
		}
		fmt.Println(out)
		return nil
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Println("\n=== clamsentry Status ===")

	if inst, err := a.installation(); err != nil {
		fmt.Println("Installation: not configured")
	} else if err := inst.Validate(); err != nil {
		fmt.Printf("Installation: %s (invalid: %v)\n", inst.Dir, err)
	} else {
		fmt.Printf("Installation: %s\n", inst.Dir)
	}

	if alive, pid := a.registry.IsServiceAlive(); alive {
		fmt.Printf("Service: RUNNING (pid %d)\n", pid)
	} else {
		fmt.Println("Service: NOT RUNNING")
	}

	client := a.client()
	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Daemon.CommandTimeout)
	defer cancel()
	if client.IsAlive(ctx) {
		fmt.Printf("Daemon: RUNNING at %s\n", client.Address())
	} else {
		fmt.Printf("Daemon: NOT RESPONDING at %s\n", client.Address())
	}

	settings, err := monitor.LoadSettings(a.settings)
	if err == nil {
		fmt.Printf("Monitored folders: %d (exclusions: %d, filters: %d)\n",
			len(settings.Roots), len(settings.Exclusions), len(settings.Filters))
	}

	if a.cfg.Schedule.Cron != "" {
		fmt.Printf("Scheduled scan: %q on %s\n", a.cfg.Schedule.Cron, a.cfg.Schedule.Target)
	} else {
		fmt.Println("Scheduled scan: disabled")
	}

	dash, err := a.historyService().Dashboard()
	if err == nil {
		fmt.Printf("\nTotal scans: %d\n", dash.TotalScans)
		fmt.Printf("Infected files found: %d\n", dash.TotalInfectedFiles)
		if dash.LastUpdate != nil {
			fmt.Printf("Last signature update: %s\n", dash.LastUpdate.Local().Format(usecase.CSVTimeLayout))
		} else {
			fmt.Println("Last signature update: never")
		}
	}

	fmt.Println("=========================")
	return nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.installation()
	if err != nil {
		return err
	}
	if err := inst.Validate(); err != nil {
		return err
	}

	if alive, pid := a.registry.IsServiceAlive(); alive {
		fmt.Printf("clamsentry service is already running (pid %d)\n", pid)
		return nil
	}

	var serveArgs []string
	if configPath != "" {
		serveArgs = append(serveArgs, "--config", configPath)
	}
	if installPath != "" {
		serveArgs = append(serveArgs, "--install-path", installPath)
	}
	pid, err := service.SpawnBackground(serveArgs...)
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	fmt.Printf("Started clamsentry service (pid %d)\n", pid)
	fmt.Printf("Log: %s\n", a.layout.ServiceLog())

	if !a.cfg.Service.StartDaemon {
		return nil
	}

	fmt.Println("Waiting for clamd to load signatures...")
	client := a.client()
	wait := retry.Policy{Interval: a.cfg.Daemon.ReadyInterval, Deadline: a.cfg.Daemon.ReadyDeadline}
	err = wait.Do(cmd.Context(), func(ctx context.Context) error {
		if !a.pm.IsRunning(pid) {
			return retry.Stop(errors.New("service exited, see the log for details"))
		}
		return client.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("clamd did not become ready: %w", err)
	}
	fmt.Printf("Daemon: RUNNING at %s\n", client.Address())
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if alive, pid := a.registry.IsServiceAlive(); alive {
		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Daemon.ShutdownGrace+15*time.Second)
		defer cancel()
		if err := service.StopBackground(ctx, a.pm, pid); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		fmt.Printf("Stopped clamsentry service (pid %d)\n", pid)
	}

	// A service that was killed cannot clean up its clamd.
	if entry, err := a.registry.GetAll(); err == nil && entry != nil {
		if entry.DaemonPID != 0 && a.pm.IsRunning(entry.DaemonPID) {
			if err := a.pm.Kill(entry.DaemonPID); err != nil {
				a.logger.Warn("failed to kill orphaned clamd", zap.Int("pid", entry.DaemonPID), zap.Error(err))
			} else {
				fmt.Printf("Killed orphaned clamd (pid %d)\n", entry.DaemonPID)
			}
		}
		_ = a.registry.Clear()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Daemon.CommandTimeout)
	defer cancel()
	client := a.client()
	if client.IsAlive(ctx) {
		if err := client.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down clamd: %w", err)
		}
		fmt.Printf("Sent SHUTDOWN to clamd at %s\n", client.Address())
		return nil
	}
	fmt.Println("Daemon: NOT RUNNING")
	return nil
}

func runDaemonScan(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	target := monitor.NormalizePath(args[0])
	client := a.client()
	var out string
	if a.fs.IsDir(target) {
		out, err = client.ScanFolder(ctx, target)
	} else {
		out, err = client.ScanFile(ctx, target)
	}
	if err != nil {
		return fmt.Errorf("clamd at %s: %w", client.Address(), err)
	}
	fmt.Println(out)
	return nil
}

func runDaemonLog(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.installation()
	if err != nil {
		return err
	}
	out, err := clamd.ReadDaemonLog(inst.DaemonConfigPath())
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func (a *app) autostart() (*infra.AutostartManagerImpl, error) {
	return infra.NewAutostartManager(infra.GetRealUserHome(), a.layout.ServiceLog())
}

func runDaemonEnable(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.installation(); err != nil {
		return err
	}
	mgr, err := a.autostart()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	if mgr.IsInstalled() && !mgr.NeedsUpdate(exe) {
		fmt.Printf("Start at login is already enabled (%s)\n", mgr.Path())
		return nil
	}
	if err := mgr.Install(exe); err != nil {
		return fmt.Errorf("failed to enable start at login: %w", err)
	}
	fmt.Printf("Installed %s entry %s\n", mgr.Kind(), mgr.Path())
	return nil
}

func runDaemonDisable(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	mgr, err := a.autostart()
	if err != nil {
		return err
	}
	if !mgr.IsInstalled() {
		fmt.Println("Start at login is not enabled.")
		return nil
	}
	if err := mgr.Uninstall(); err != nil {
		return fmt.Errorf("failed to disable start at login: %w", err)
	}
	fmt.Printf("Removed %s\n", mgr.Path())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.installation()
	if err != nil {
		a.logger.Error("cannot serve", zap.Error(err))
		return err
	}
	if alive, pid := a.registry.IsServiceAlive(); alive && pid != a.pm.GetCurrentPID() {
		return fmt.Errorf("clamsentry service is already running (pid %d)", pid)
	}

	client := a.client()
	history := a.historyService()
	deps := service.Deps{
		Supervisor: clamd.NewSupervisor(a.cfg.SupervisorConfig(), client, a.pm, a.registry, a.logger),
		Monitor: monitor.New(
			a.cfg.MonitorConfig(),
			client,
			monitor.NewFSNotifySourceFactory(a.cfg.Monitor.EventBuffer, a.logger),
			a.logger,
		),
		Scanner:   usecase.NewScanService(scan.NewEngine(a.logger), history, a.quarantine, a.logger),
		Scheduler: schedule.New(a.logger),
		Settings:  a.settings,
		History:   history,
		Registry:  a.registry,
		Processes: a.pm,
	}
	svc := service.New(a.cfg.ServiceConfig(), inst, deps, a.logger)

	ctx, stop := signalContext()
	defer stop()
	return svc.Run(ctx)
}
