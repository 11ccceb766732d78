package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration and set the ClamAV folder",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configSetInstallCmd = &cobra.Command{
	Use:   "set-install <dir>",
	Short: "Remember the ClamAV installation folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigSetInstall,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetInstallCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if inst, err := a.installation(); err == nil {
		a.cfg.InstallPath = inst.Dir
	}
	out, err := a.cfg.YAML()
	if err != nil {
		return err
	}
	file := configPath
	if file == "" {
		file = a.layout.ConfigFile()
	}
	fmt.Printf("# config file: %s\n", file)
	fmt.Print(string(out))
	return nil
}

func runConfigSetInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	inst := clamd.Installation{Dir: a.fs.ExpandHome(args[0])}
	if err := inst.Validate(); err != nil {
		return err
	}
	if err := a.settings.SaveInstallPath(inst.Dir); err != nil {
		return err
	}
	fmt.Printf("ClamAV installation set to %s\n", inst.Dir)
	if !inst.HasDaemon() {
		fmt.Println("Note: clamd was not found there, daemon features are unavailable.")
	}
	return nil
}
