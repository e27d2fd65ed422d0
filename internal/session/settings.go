package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kballard/go-shellquote"

	"github.com/ShayCichocki/marathon/internal/gate"
)

// SettingsFile is written into the project directory and passed to claude
// with --settings.
const SettingsFile = ".claude_settings.json"

// Settings is the claude CLI settings document: OS sandbox, file access
// limited to the project, and a PreToolUse hook that sends every Bash
// command through `marathon gate`.
type Settings struct {
	Sandbox     SandboxSettings      `json:"sandbox"`
	Permissions PermissionSettings   `json:"permissions"`
	Hooks       map[string][]Matcher `json:"hooks,omitempty"`
}

type SandboxSettings struct {
	Enabled                  bool `json:"enabled"`
	AutoAllowBashIfSandboxed bool `json:"autoAllowBashIfSandboxed"`
}

type PermissionSettings struct {
	DefaultMode string   `json:"defaultMode"`
	Allow       []string `json:"allow"`
	Deny        []string `json:"deny,omitempty"`
}

// Matcher binds hook commands to tool names.
type Matcher struct {
	Matcher string `json:"matcher"`
	Hooks   []Hook `json:"hooks"`
}

type Hook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// projectTools are allowed on paths relative to the working directory,
// which is the project directory.
var projectTools = []string{"Read", "Write", "Edit", "Glob", "Grep"}

// writeTools may not touch the entries the command gate protects.
var writeTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit"}

// NewSettings builds the settings document. hookCommand may be empty, in
// which case no hook is installed. extraAllow adds tool permissions such
// as MCP tool names.
func NewSettings(hookCommand string, extraAllow []string) Settings {
	allow := make([]string, 0, len(projectTools)+1+len(extraAllow))
	for _, tool := range projectTools {
		allow = append(allow, tool+"(./**)")
	}
	// Bash is permitted here; each command is still checked by the hook.
	allow = append(allow, "Bash(*)")
	allow = append(allow, extraAllow...)

	var denied []string
	for _, entry := range gate.ProtectedPaths() {
		for _, tool := range writeTools {
			denied = append(denied, tool+"(./"+entry+")", tool+"(./"+entry+"/**)")
		}
	}

	s := Settings{
		Sandbox:     SandboxSettings{Enabled: true, AutoAllowBashIfSandboxed: true},
		Permissions: PermissionSettings{DefaultMode: "acceptEdits", Allow: allow, Deny: denied},
	}
	if hookCommand != "" {
		s.Hooks = map[string][]Matcher{
			"PreToolUse": {{
				Matcher: "Bash",
				Hooks:   []Hook{{Type: "command", Command: hookCommand}},
			}},
		}
	}
	return s
}

// HookCommand returns the shell command claude runs for the gate hook.
func HookCommand(executable, policyPath string) string {
	args := []string{executable, "gate"}
	if policyPath != "" {
		args = append(args, "--policy", policyPath)
	}
	return shellquote.Join(args...)
}

// WriteSettings writes s into dir and returns the absolute path.
func WriteSettings(dir string, s Settings) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create settings directory: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(dir, SettingsFile))
	if err != nil {
		return "", fmt.Errorf("resolve settings path: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("write settings: %w", err)
	}
	return path, nil
}
