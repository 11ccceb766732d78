package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/monitor"
	"github.com/eliteGoblin/clamsentry/internal/scan"
	"github.com/eliteGoblin/clamsentry/internal/usecase"
)

var scanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Scan a file or folder with clamscan",
	Long: `Runs clamscan on the target, printing each verdict as it arrives and the
summary at the end. Ctrl-C cancels the scan. The run is recorded in history and
quarantined files are tracked for restore.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update signatures with freshclam",
	RunE:  runUpdate,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write freshclam.conf and clamd.conf for the installation",
	RunE:  runInit,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the installation, signatures and daemon",
	RunE:  runHealth,
}

var (
	scanQuarantine     bool
	scanQuarantinePath string
	scanHeuristic      bool
	scanEncrypted      bool
	scanLeaveTemps     bool
	scanQuiet          bool
)

func init() {
	scanCmd.Flags().BoolVar(&scanQuarantine, "quarantine", false, "Move infected files to the quarantine folder")
	scanCmd.Flags().StringVar(&scanQuarantinePath, "quarantine-path", "", "Quarantine folder (default from config)")
	scanCmd.Flags().BoolVar(&scanHeuristic, "heuristic", false, "Enable heuristic alerts")
	scanCmd.Flags().BoolVar(&scanEncrypted, "encrypted", false, "Alert on encrypted archives and documents")
	scanCmd.Flags().BoolVar(&scanLeaveTemps, "leave-temps", false, "Keep clamscan temporary files")
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "Only print threats and the summary")
}

// scanOptions applies explicitly set flags over the configured defaults.
func scanOptions(cmd *cobra.Command, defaults domain.ScanOptions) domain.ScanOptions {
	opts := defaults
	flags := cmd.Flags()
	if flags.Changed("quarantine") {
		opts.MoveToQuarantine = scanQuarantine
	}
	if flags.Changed("quarantine-path") {
		opts.QuarantinePath = scanQuarantinePath
	}
	if flags.Changed("heuristic") {
		opts.HeuristicAlerts = scanHeuristic
	}
	if flags.Changed("encrypted") {
		opts.ScanEncrypted = scanEncrypted
	}
	if flags.Changed("leave-temps") {
		opts.LeaveTemps = scanLeaveTemps
	}
	return opts
}

func runScan(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.installation()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	target := monitor.NormalizePath(args[0])
	svc := usecase.NewScanService(scan.NewEngine(a.logger), a.historyService(), a.quarantine, a.logger)
	report, err := svc.Scan(ctx, inst, target, scanOptions(cmd, a.cfg.ScanOptions()), func(r domain.ScanItemResult) {
		if r.IsThreat {
			fmt.Printf("THREAT %s: %s\n", r.Path, r.ThreatName)
			return
		}
		if !scanQuiet {
			fmt.Printf("%s: %s\n", r.Path, r.Status)
		}
	})
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r *scan.Report) {
	if r.Cancelled {
		fmt.Println("\nScan cancelled.")
	}

	fmt.Println("\n=== Scan Summary ===")
	s := r.Summary
	for _, row := range [][2]string{
		{"Known viruses", s.KnownViruses},
		{"Engine version", s.EngineVersion},
		{"Scanned directories", s.ScannedDirectories},
		{"Scanned files", s.ScannedFiles},
		{"Infected files", s.InfectedFiles},
		{"Time", s.TimeTaken},
	} {
		if row[1] != "" {
			fmt.Printf("%-20s %s\n", row[0]+":", row[1])
		}
	}
	fmt.Printf("%-20s %d\n", "Threats reported:", r.InfectedCount())

	if len(r.Quarantined) > 0 {
		fmt.Println("\nQuarantined:")
		for _, q := range r.Quarantined {
			fmt.Printf("  [%s] %s (%s)\n", q.ID, q.OriginalPath, q.ThreatName)
		}
	}

	if len(r.Diagnostics) > 0 {
		fmt.Println("\nScanner messages:")
		for _, d := range r.Diagnostics {
			fmt.Printf("  %s\n", d)
		}
	}
	fmt.Println("====================")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.installation()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Println("Updating signatures, this can take a few minutes...")
	result, err := usecase.NewSignatureUpdater(a.historyService(), a.logger).Update(ctx, inst)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case usecase.UpdateFailed:
		fmt.Fprint(os.Stderr, result.Stdout, result.Stderr)
		return fmt.Errorf("signature update failed (exit code %d)", result.ExitCode)
	case usecase.UpdateUpToDate:
		fmt.Println("Database already up-to-date.")
	default:
		fmt.Println("Signature update finished.")
	}
	if result.Signatures != "" {
		fmt.Printf("Signatures: %s\n", result.Signatures)
	}

	// A running clamd keeps the old database until told to reload.
	reloadCtx, cancel := context.WithTimeout(ctx, a.cfg.Daemon.CommandTimeout)
	defer cancel()
	client := a.client()
	if result.Outcome == usecase.UpdateSucceeded && client.IsAlive(reloadCtx) {
		if out, err := client.Reload(reloadCtx); err == nil {
			fmt.Printf("Daemon: %s\n", out)
		}
	}
	return nil
}

var (
	initHost string
	initPort int
)

func init() {
	initCmd.Flags().StringVar(&initHost, "host", "", "clamd listen address (default from config)")
	initCmd.Flags().IntVar(&initPort, "port", 0, "clamd TCP port (default from config)")
}

func runInit(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.installation()
	if err != nil {
		return err
	}
	host, port := a.cfg.Daemon.Host, a.cfg.Daemon.Port
	if initHost != "" {
		host = initHost
	}
	if initPort != 0 {
		port = initPort
	}

	msg, err := usecase.NewSignatureUpdater(a.historyService(), a.logger).InitializeConfiguration(inst, host, port)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := a.installation()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Daemon.CommandTimeout)
	defer cancel()
	report := usecase.NewHealthChecker(a.client(), a.logger).Check(ctx, inst)
	fmt.Println(report.String())
	if report.Failed() {
		return errors.New("health check failed")
	}
	return nil
}
