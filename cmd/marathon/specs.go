package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/marathon/internal/config"
	"github.com/ShayCichocki/marathon/internal/prompts"
)

var specsPromptsDir string

var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "List the application specs in the prompts directory",
	Long: `List the .txt spec files available to 'marathon run --spec-file'.

The chosen spec is copied into the project as app_spec.txt before the
first session.`,
	Args: cobra.NoArgs,
	RunE: runSpecs,
}

func init() {
	specsCmd.Flags().StringVar(&specsPromptsDir, "prompts-dir", "", "Prompts directory (default from config)")
}

func runSpecs(cmd *cobra.Command, args []string) error {
	dir := specsPromptsDir
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dir = cfg.Paths.PromptsDir
	}

	specs, err := prompts.ListSpecs(dir)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Printf("No spec files in %s. Run 'marathon init' to create one.\n", dir)
		return nil
	}

	fmt.Printf("Specs in %s:\n", dir)
	for _, s := range specs {
		marker := " "
		if s == prompts.DefaultSpecFile {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, s)
	}
	fmt.Println("\n* used when --spec-file is not given")
	return nil
}
