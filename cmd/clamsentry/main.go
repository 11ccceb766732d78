// Package main is the CLI entry point for clamsentry.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clamsentry",
	Short: "ClamAV coordinator - scans, daemon supervision and real-time monitoring",
	Long: `clamsentry drives a local ClamAV installation. It runs on-demand scans
with clamscan, keeps clamd running, watches folders and scans changed files
through clamd, and keeps a history of everything it did.

Point it at your ClamAV folder once with 'clamsentry config set-install <dir>'.`,
	Version:      Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	RunE:  runVersion,
}

var (
	configPath  string
	installPath string
	jsonOutput  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is <data dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&installPath, "install-path", "", "ClamAV installation directory (overrides config and saved setting)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(excludeCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(quarantineCmd)
	rootCmd.AddCommand(configCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
	}
	fmt.Printf("clamsentry %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	return nil
}
