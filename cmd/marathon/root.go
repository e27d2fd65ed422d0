package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/marathon/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "marathon",
	Short: "Long-running autonomous coding harness",
	Long: `Marathon drives a coding agent through a sequence of bounded sessions
until every task in the project's task list passes.

The first session turns the application spec into a task list. Every
later session implements tasks and marks them passing. Rate limits are
waited out until the provider's reset time, failed sessions back off and
move on, and every shell command the agent runs is checked against an
allowlist.

A run can be stopped at any time with Ctrl-C or 'marathon stop' and
resumed later with 'marathon run': progress lives in the task list.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(specsCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// printStatus prints a status line with a colored symbol.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// projectDirFor returns the absolute project directory: the flag when set,
// otherwise the configured one.
func projectDirFor(flag string, cfg *config.Config) (string, error) {
	dir := flag
	if dir == "" {
		dir = cfg.Paths.ProjectDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project directory: %w", err)
	}
	return abs, nil
}

// inProject resolves a configured path against the project directory.
func inProject(projectDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDir, path)
}

// projectPolicyPath is where 'marathon init' writes the command policy.
func projectPolicyPath(projectDir string) string {
	return filepath.Join(projectDir, ".marathon", "policy.yaml")
}

// policyPathFor picks the command policy: an explicit path, else the
// project's policy file when present. Empty means the built-in policy.
func policyPathFor(explicit, projectDir string) (string, error) {
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", fmt.Errorf("resolve policy path: %w", err)
		}
		return abs, nil
	}
	if p := projectPolicyPath(projectDir); fileExists(p) {
		return p, nil
	}
	return "", nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
