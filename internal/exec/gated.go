package exec

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/marathon/internal/gate"
)

// Evaluator decides whether a command may run.
type Evaluator interface {
	Evaluate(req gate.Request) gate.Decision
	EvaluateLine(line string) gate.Decision
}

// DeniedError reports a command refused by the gate. It is returned
// without running anything.
type DeniedError struct {
	Command  string
	Decision gate.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("command denied (%s): %s", e.Decision.Reason, e.Decision.Message)
}

// GatedRunner checks every command against an Evaluator before handing it
// to the wrapped runner.
type GatedRunner struct {
	inner CommandRunner
	gate  Evaluator
}

// NewGatedRunner wraps inner so that only allowed commands reach it.
func NewGatedRunner(inner CommandRunner, g Evaluator) *GatedRunner {
	return &GatedRunner{inner: inner, gate: g}
}

// Run evaluates name and args as a single command.
func (r *GatedRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	d := r.gate.Evaluate(gate.Request{Program: name, Args: args})
	if !d.Allowed {
		return nil, &DeniedError{Command: name, Decision: d}
	}
	return r.inner.Run(ctx, workDir, name, args...)
}

// RunShell evaluates every segment of the command line.
func (r *GatedRunner) RunShell(ctx context.Context, workDir string, command string) ([]byte, error) {
	d := r.gate.EvaluateLine(command)
	if !d.Allowed {
		return nil, &DeniedError{Command: command, Decision: d}
	}
	return r.inner.RunShell(ctx, workDir, command)
}

// LookPath resolves a program on PATH.
func (r *GatedRunner) LookPath(name string) (string, error) {
	return r.inner.LookPath(name)
}

var (
	_ CommandRunner = (*GatedRunner)(nil)
	_ Evaluator     = (*gate.Gate)(nil)
)
