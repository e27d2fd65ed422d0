package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/marathon/internal/config"
	"github.com/ShayCichocki/marathon/internal/gate"
	"github.com/ShayCichocki/marathon/internal/prompts"
	"github.com/ShayCichocki/marathon/internal/session"
)

var (
	initProjectDir      string
	initPromptsDir      string
	initForce           bool
	initSkipClaudeCheck bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up prompts and a command policy",
	Long: `Prepare everything 'marathon run' needs:
  - Verifies prerequisites (claude CLI, credentials)
  - Writes the initializer and coding prompts and a sample app_spec.txt
    into the prompts directory
  - Writes the default command allowlist to <project>/.marathon/policy.yaml

Existing files are kept unless --force is given, so prompts and policy
can be edited freely between runs.

Examples:
  marathon init
  marathon init --project-dir generations/shop
  marathon init --force          # restore the built-in prompts and policy`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initProjectDir, "project-dir", "", "Project directory (default from config)")
	initCmd.Flags().StringVar(&initPromptsDir, "prompts-dir", "", "Prompts directory (default from config)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing prompts and policy")
	initCmd.Flags().BoolVar(&initSkipClaudeCheck, "skip-claude-check", false, "Skip Claude CLI availability check")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	projectDir, err := projectDirFor(initProjectDir, cfg)
	if err != nil {
		return err
	}
	promptsDir := initPromptsDir
	if promptsDir == "" {
		promptsDir = cfg.Paths.PromptsDir
	}

	fmt.Printf("Initializing marathon for %s...\n\n", projectDir)

	checkPrerequisites(cfg)

	written, err := prompts.Scaffold(promptsDir, initForce)
	if err != nil {
		printStatus("✗", "Could not write prompts", color.FgRed)
		return err
	}
	if len(written) == 0 {
		printStatus("✓", fmt.Sprintf("Prompts already present in %s", promptsDir), color.FgGreen)
	}
	for _, path := range written {
		printStatus("✓", "Wrote "+path, color.FgGreen)
	}

	policyPath := projectPolicyPath(projectDir)
	if fileExists(policyPath) && !initForce {
		printStatus("✓", "Command policy already present at "+policyPath, color.FgGreen)
	} else {
		if err := writeDefaultPolicy(policyPath); err != nil {
			printStatus("✗", "Could not write command policy", color.FgRed)
			return err
		}
		printStatus("✓", "Wrote command policy "+policyPath, color.FgGreen)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Describe your application in %s\n", filepath.Join(promptsDir, prompts.DefaultSpecFile))
	fmt.Println("  2. Run 'marathon run'")
	return nil
}

// checkPrerequisites reports on the agent runtime and credentials. Problems
// are warnings here; 'marathon run' enforces them.
func checkPrerequisites(cfg *config.Config) {
	if cfg.Session.Backend == config.BackendCLI && !initSkipClaudeCheck {
		runner := session.NewCLIRunner(".", session.WithClaudePath(cfg.Session.ClaudePath))
		if err := runner.Check(); err != nil {
			printStatus("⚠", "Claude Code CLI not found (npm install -g @anthropic-ai/claude-code)", color.FgYellow)
		} else {
			printStatus("✓", "Claude Code CLI found", color.FgGreen)
		}
	}

	home, _ := os.UserHomeDir()
	src, err := config.CheckAuth(cfg, home)
	if err != nil {
		printStatus("⚠", err.Error(), color.FgYellow)
		return
	}
	printStatus("✓", fmt.Sprintf("Credentials found (%s)", src), color.FgGreen)
}

func writeDefaultPolicy(path string) error {
	data, err := gate.DefaultPolicy().Marshal()
	if err != nil {
		return fmt.Errorf("render policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}
	header := []byte("# Commands the agent may run. Edit between runs; unknown fields are rejected.\n")
	if err := os.WriteFile(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return nil
}
