package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/clamsentry/internal/usecase"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show and manage the event history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, newest first",
	RunE:  runHistoryList,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete events by id",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHistoryDelete,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every event",
	RunE:  runHistoryClear,
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export events as JSON or CSV",
	RunE:  runHistoryExport,
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Manage quarantined files",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined files, newest first",
	RunE:  runQuarantineList,
}

var quarantineRemoveCmd = &cobra.Command{
	Use:   "remove <id>...",
	Short: "Permanently delete quarantined files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuarantineRemove,
}

var quarantineRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Move a quarantined file back to where it was found",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuarantineRestore,
}

var quarantinePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop records whose quarantined file no longer exists",
	RunE:  runQuarantinePrune,
}

var (
	historyType   string
	historySearch string
	historyLimit  int
	historyYes    bool
	exportFormat  string
	exportOutput  string
	restoreTo     string
)

func init() {
	for _, c := range []*cobra.Command{historyListCmd, historyExportCmd} {
		c.Flags().StringVar(&historyType, "type", "", "Only events of this type (Scan, Update, Update Failed, Config Initialized, Monitoring)")
		c.Flags().StringVar(&historySearch, "search", "", "Only events whose details contain this text")
	}
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of events to show (0 for all)")
	historyClearCmd.Flags().BoolVarP(&historyYes, "yes", "y", false, "Do not ask for confirmation")
	historyExportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format: json or csv")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyExportCmd)

	quarantineRestoreCmd.Flags().StringVar(&restoreTo, "to", "", "Restore into this folder instead of the original location")

	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineRemoveCmd)
	quarantineCmd.AddCommand(quarantineRestoreCmd)
	quarantineCmd.AddCommand(quarantinePruneCmd)
}

func historyFilter() usecase.HistoryFilter {
	return usecase.HistoryFilter{Type: historyType, Text: historySearch}
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.historyService().List(historyFilter())
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No history events.")
		return nil
	}
	if historyLimit > 0 && len(events) > historyLimit {
		events = events[:historyLimit]
	}
	for _, e := range events {
		details := strings.ReplaceAll(e.Details, "\n", " | ")
		fmt.Printf("%s  %-19s  %-18s  %s\n", e.ID, e.Timestamp.Local().Format(usecase.CSVTimeLayout), e.EventType, details)
	}
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	history := a.historyService()
	for _, id := range args {
		if err := history.Delete(id); err != nil {
			return err
		}
		fmt.Printf("Deleted event %s\n", id)
	}
	return nil
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	if !historyYes && !confirm(cmd.InOrStdin(), "Delete all history events?") {
		fmt.Println("Aborted.")
		return nil
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.historyService().Clear(); err != nil {
		return err
	}
	fmt.Println("History cleared.")
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	var w io.Writer = os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	history := a.historyService()
	switch strings.ToLower(exportFormat) {
	case "json":
		err = history.ExportJSON(w, historyFilter())
	case "csv":
		err = history.ExportCSV(w, historyFilter())
	default:
		return fmt.Errorf("unknown export format %q (use json or csv)", exportFormat)
	}
	if err != nil {
		return err
	}
	if exportOutput != "" {
		fmt.Printf("Exported history to %s\n", exportOutput)
	}
	return nil
}

func (a *app) quarantineService() *usecase.QuarantineService {
	return usecase.NewQuarantineService(a.quarantine, a.fs, a.logger)
}

func runQuarantineList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.quarantineService().List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Quarantine is empty.")
		return nil
	}
	for _, r := range records {
		fmt.Printf("[%s] %s\n", r.ID, r.OriginalPath)
		fmt.Printf("  Threat:      %s\n", r.ThreatName)
		fmt.Printf("  Stored at:   %s\n", r.QuarantinePath)
		fmt.Printf("  Quarantined: %s\n", r.QuarantinedAt.Local().Format(usecase.CSVTimeLayout))
		if r.Notes != "" {
			fmt.Printf("  Notes:       %s\n", r.Notes)
		}
	}
	return nil
}

func runQuarantineRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := a.quarantineService()
	for _, id := range args {
		if err := svc.Remove(id); err != nil {
			return err
		}
		fmt.Printf("Deleted quarantined file %s\n", id)
	}
	return nil
}

func runQuarantineRestore(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	dest, err := a.quarantineService().Restore(args[0], restoreTo)
	if err != nil {
		return err
	}
	fmt.Printf("Restored to %s\n", dest)
	return nil
}

func runQuarantinePrune(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.quarantineService().PruneMissing()
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d stale records\n", n)
	return nil
}

// confirm asks a yes/no question on stdout and reads the answer from in.
func confirm(in io.Reader, question string) bool {
	fmt.Printf("%s [y/N] ", question)
	var answer string
	if _, err := fmt.Fscanln(in, &answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
