package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/marathon/internal/config"
	"github.com/ShayCichocki/marathon/internal/orchestrator"
)

var stopProjectDir string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running marathon to stop",
	Long: `Create the project's stop file. A running 'marathon run' notices it,
interrupts the current session or wait, prints its summary and exits
cleanly. Run 'marathon run' again to resume.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopProjectDir, "project-dir", "", "Project directory (default from config)")
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	projectDir, err := projectDirFor(stopProjectDir, cfg)
	if err != nil {
		return err
	}

	sig, err := orchestrator.NewStopSignal(projectDir)
	if err != nil {
		return fmt.Errorf("prepare stop signal: %w", err)
	}
	if err := sig.Send(); err != nil {
		return fmt.Errorf("write stop file: %w", err)
	}
	printStatus("✓", fmt.Sprintf("Stop requested (%s)", sig.Path()), color.FgGreen)
	return nil
}
