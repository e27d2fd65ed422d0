package main

import (
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/marathon/internal/gate"
)

var gatePolicy string

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Check an agent shell command against the allowlist",
	Long: `Claude Code PreToolUse hook.

Reads the hook payload from stdin. A Bash command that the policy allows
produces no output; a denied command produces a deny decision for claude.
When the policy cannot be loaded every command is denied.

'marathon run' installs this hook with a private copy of the policy taken
at start; it is not meant to be run by hand.`,
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return gateHook(cmd.InOrStdin(), cmd.OutOrStdout(), gatePolicy)
	},
}

func init() {
	gateCmd.Flags().StringVar(&gatePolicy, "policy", "", "Command policy file (default: built-in policy)")
}

// gateHook answers one hook invocation. It never fails the hook process:
// every problem becomes a denial.
func gateHook(in io.Reader, out io.Writer, policyPath string) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return writeDenial(out, gate.DenyAll(fmt.Errorf("read hook payload: %w", err)))
	}

	g, err := gate.Load(policyPath)
	if err != nil {
		log.Printf("[gate] %v", err)
		return writeDenial(out, gate.DenyAll(err))
	}

	resp, d := g.HookResponse(payload)
	if resp == nil {
		return nil
	}
	log.Printf("[gate] denied (%s): %s", d.Reason, d.Message)
	_, err = out.Write(resp)
	return err
}

func writeDenial(out io.Writer, d gate.Decision) error {
	_, err := out.Write(gate.DenyResponse(d))
	return err
}
