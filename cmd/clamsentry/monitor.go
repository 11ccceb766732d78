package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/monitor"
)

var watchCmd = settingsListCommand(settingsList{
	use:       "watch",
	short:     "Manage folders watched by real-time monitoring",
	noun:      "folder",
	add:       (*monitor.Settings).AddRoot,
	remove:    (*monitor.Settings).RemoveRoot,
	values:    func(s monitor.Settings) []string { return s.Roots },
	mustBeDir: true,
})

var excludeCmd = settingsListCommand(settingsList{
	use:    "exclude",
	short:  "Manage files and folders skipped by real-time monitoring",
	noun:   "exclusion",
	add:    (*monitor.Settings).AddExclusion,
	remove: (*monitor.Settings).RemoveExclusion,
	values: func(s monitor.Settings) []string { return s.Exclusions },
})

var filterCmd = settingsListCommand(settingsList{
	use:    "filter",
	short:  "Manage file-name patterns (e.g. *.exe, .dll) that limit what real-time monitoring scans",
	noun:   "filter",
	add:    (*monitor.Settings).AddFilter,
	remove: (*monitor.Settings).RemoveFilter,
	values: func(s monitor.Settings) []string { return s.Filters },
})

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Real-time monitoring",
}

var monitorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the monitored folders in the foreground until Ctrl-C",
	Long: `Watches every monitored folder and scans created or changed files through
clamd. clamd must already be running ('clamsentry daemon start' runs monitoring
in the background instead).`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.AddCommand(monitorRunCmd)
}

// settingsList describes one persisted monitoring list.
type settingsList struct {
	use       string
	short     string
	noun      string
	add       func(*monitor.Settings, string) bool
	remove    func(*monitor.Settings, string) bool
	values    func(monitor.Settings) []string
	mustBeDir bool
}

func settingsListCommand(l settingsList) *cobra.Command {
	root := &cobra.Command{Use: l.use, Short: l.short}

	root.AddCommand(&cobra.Command{
		Use:   "add <value>...",
		Short: "Add entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editSettings(func(a *app, s *monitor.Settings) error {
				for _, v := range args {
					if l.mustBeDir && !a.fs.IsDir(v) {
						return fmt.Errorf("%w: %s is not a folder", domain.ErrPathNotFound, v)
					}
					if l.add(s, v) {
						fmt.Printf("Added %s: %s\n", l.noun, v)
					} else {
						fmt.Printf("Already present: %s\n", v)
					}
				}
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "remove <value>...",
		Short: "Remove entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editSettings(func(a *app, s *monitor.Settings) error {
				for _, v := range args {
					if l.remove(s, v) {
						fmt.Printf("Removed %s: %s\n", l.noun, v)
					} else {
						fmt.Printf("Not found: %s\n", v)
					}
				}
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := monitor.LoadSettings(a.settings)
			if err != nil {
				return err
			}
			values := l.values(s)
			if len(values) == 0 {
				fmt.Printf("No %ss configured.\n", l.noun)
				return nil
			}
			for _, v := range values {
				fmt.Println(v)
			}
			return nil
		},
	})
	return root
}

// editSettings loads the monitoring lists, applies fn and saves them back.
// A running service picks the change up on its next settings reload.
func editSettings(fn func(a *app, s *monitor.Settings) error) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := monitor.LoadSettings(a.settings)
	if err != nil {
		return err
	}
	if err := fn(a, &s); err != nil {
		return err
	}
	return monitor.SaveSettings(a.settings, s)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	settings, err := monitor.LoadSettings(a.settings)
	if err != nil {
		return err
	}
	if len(settings.Roots) == 0 {
		return errors.New("no monitored folders; add one with 'clamsentry watch add <dir>'")
	}

	client := a.client()
	pingCtx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Daemon.CommandTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return fmt.Errorf("clamd is not responding at %s (start it with 'clamsentry daemon start'): %w", client.Address(), err)
	}

	ctx, stop := signalContext()
	defer stop()

	history := a.historyService()
	m := monitor.New(a.cfg.MonitorConfig(), client, monitor.NewFSNotifySourceFactory(a.cfg.Monitor.EventBuffer, a.logger), a.logger)
	m.SetObserver(func(path, response string) {
		fmt.Println(response)
		if strings.HasSuffix(strings.TrimSpace(response), "FOUND") {
			_ = history.Record(domain.EventMonitoring, "Threat detected: "+response)
		}
	})
	if err := m.Start(ctx, settings); err != nil {
		return err
	}
	_ = history.Record(domain.EventMonitoring, "Monitoring started for: "+strings.Join(settings.Roots, ", "))

	for _, line := range m.Log() {
		fmt.Println(line)
	}
	fmt.Println("Monitoring, press Ctrl-C to stop.")
	<-ctx.Done()
	m.Stop()
	fmt.Println("Monitoring stopped.")
	return nil
}
