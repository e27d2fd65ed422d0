// Package exec runs shell commands for the API tool loop.
package exec

import (
	"context"
)

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// RunShell executes a command line through the runner's shell.
	RunShell(ctx context.Context, workDir string, command string) (output []byte, err error)

	// LookPath resolves a program on PATH.
	LookPath(name string) (string, error)
}
