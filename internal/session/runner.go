// Package session runs one bounded unit of agent work: either a claude CLI
// subprocess or an Anthropic Messages tool loop. Runners report what the
// agent printed and how it exited; retry policy belongs to the caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrRuntimeUnavailable means the agent runtime cannot be started at all,
// for example the claude binary is missing or no credentials exist.
var ErrRuntimeUnavailable = errors.New("agent runtime unavailable")

// Request describes one session attempt.
type Request struct {
	// Kind is "initializer" or "coding"; used for log headers.
	Kind string
	// Prompt is the full prompt text.
	Prompt string
	// Model is the model alias or identifier passed to the runtime.
	Model string
	// Continue resumes the previous conversation instead of starting fresh.
	Continue bool
	// Index is the logical session number, 1-based.
	Index int
	// Attempt counts every run, including rate-limit retries.
	Attempt int
}

// Result is what a session produced. A non-zero ExitCode is a session
// failure, not an error.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Runner executes a single session.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Logger receives debug lines. *orchestrator.DebugLogger satisfies it.
type Logger interface {
	Log(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Log(string, ...any) {}

// Header is the line written to the progress log before each attempt.
func Header(req Request, now time.Time) string {
	parts := []string{
		fmt.Sprintf("Session %d", req.Index),
		fmt.Sprintf("attempt %d", req.Attempt),
	}
	if req.Kind != "" {
		parts = append(parts, req.Kind)
	}
	if req.Model != "" {
		parts = append(parts, req.Model)
	}
	if req.Continue {
		parts = append(parts, "continue")
	}
	parts = append(parts, now.Format(time.RFC3339))
	return "===== " + strings.Join(parts, " | ") + " ====="
}

// transcript collects session output and tees it to the progress log and
// an optional console writer as it is produced.
type transcript struct {
	mu     sync.Mutex
	buf    strings.Builder
	log    *os.File
	echo   io.Writer
	logErr error
}

// newTranscript opens the progress log for append. An empty path keeps
// output in memory only.
func newTranscript(logPath string, echo io.Writer) (*transcript, error) {
	t := &transcript{echo: echo}
	if logPath == "" {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create progress log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open progress log: %w", err)
	}
	t.log = f
	return t, nil
}

// header writes the attempt header to the log only.
func (t *transcript) header(req Request, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeLog("\n" + Header(req, now) + "\n")
}

// line appends one line of output everywhere.
func (t *transcript) line(s string) {
	if s == "" {
		return
	}
	s = strings.TrimRight(s, "\n") + "\n"

	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.WriteString(s)
	t.writeLog(s)
	if t.echo != nil {
		io.WriteString(t.echo, s)
	}
}

func (t *transcript) writeLog(s string) {
	if t.log == nil || t.logErr != nil {
		return
	}
	if _, err := io.WriteString(t.log, s); err != nil {
		// Output is still kept in memory; the log is best effort.
		t.logErr = err
	}
}

func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func (t *transcript) Close() error {
	if t.log == nil {
		return nil
	}
	return t.log.Close()
}
