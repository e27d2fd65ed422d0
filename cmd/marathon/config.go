package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/marathon/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify marathon configuration.

Without arguments, displays every key and its effective value.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user config.
List values are given comma-separated.

Configuration is stored at ~/.config/marathon/config.yaml
Project-specific overrides can be placed in .marathon.yaml
Environment variables override both: MARATHON_SESSION_BACKEND, ANTHROPIC_API_KEY, ...`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch len(args) {
		case 0:
			return displayAllConfig(out)
		case 1:
			return displayConfigKey(out, args[0])
		default:
			return setConfigKey(out, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(out io.Writer) error {
	for _, key := range config.Keys() {
		value, err := config.Get(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", key, formatConfigValue(key, value))
	}
	fmt.Fprintf(out, "\nuser config: %s\n", config.GetUserConfigPath())
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Fprintf(out, "project config: %s\n", p)
	}
	return nil
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(out io.Writer, key string) error {
	value, err := config.Get(key)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, formatConfigValue(key, value))
	return nil
}

// setConfigKey sets a configuration value in the user config file.
func setConfigKey(out io.Writer, key, value string) error {
	if err := config.Set(key, value); err != nil {
		return err
	}
	if _, err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: configuration no longer loads: %v\n", err)
	}
	fmt.Fprintf(out, "Set %s = %s\n", key, formatConfigValue(key, value))
	return nil
}

func formatConfigValue(key string, value any) string {
	s := fmt.Sprint(value)
	if list, ok := value.([]any); ok {
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = fmt.Sprint(v)
		}
		s = strings.Join(parts, ",")
	}
	if list, ok := value.([]string); ok {
		s = strings.Join(list, ",")
	}
	if strings.EqualFold(key, "anthropic.api_key") {
		if s == "" {
			return "(not set)"
		}
		return config.MaskAPIKey(s)
	}
	return s
}
