package exec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrTimeout is returned when a command outlives its timeout.
var ErrTimeout = errors.New("command timed out")

const (
	// DefaultTimeout bounds a single command.
	DefaultTimeout = 2 * time.Minute
	// DefaultMaxOutput caps the bytes returned to the agent.
	DefaultMaxOutput = 30000

	truncatedMarker = "\n... (output truncated)"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	shell     string
	timeout   time.Duration
	maxOutput int
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithShell sets the shell used by RunShell.
func WithShell(shell string) Option {
	return func(r *ExecRunner) { r.shell = shell }
}

// WithTimeout sets the per-command timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *ExecRunner) { r.timeout = d }
}

// WithMaxOutput sets the output cap. Zero disables truncation.
func WithMaxOutput(n int) Option {
	return func(r *ExecRunner) { r.maxOutput = n }
}

// NewRunner creates a new ExecRunner.
func NewRunner(opts ...Option) *ExecRunner {
	r := &ExecRunner{
		shell:     "bash",
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a command and returns combined stdout/stderr output.
// Output is returned even when the command fails.
func (r *ExecRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	// Background children may hold the pipes open after the shell exits.
	cmd.WaitDelay = time.Second

	output, err := cmd.CombinedOutput()
	output = Truncate(output, r.maxOutput)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("%w after %v", ErrTimeout, r.timeout)
	}
	return output, err
}

// RunShell executes a command line through the configured shell.
func (r *ExecRunner) RunShell(ctx context.Context, workDir string, command string) ([]byte, error) {
	return r.Run(ctx, workDir, r.shell, "-c", command)
}

// LookPath resolves a program on PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Truncate cuts output to max bytes and marks the cut.
func Truncate(output []byte, max int) []byte {
	if max <= 0 || len(output) <= max {
		return output
	}
	cut := make([]byte, 0, max+len(truncatedMarker))
	cut = append(cut, output[:max]...)
	return append(cut, truncatedMarker...)
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
