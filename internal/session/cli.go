package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	scanBufferSize = 64 * 1024
	scanMaxLine    = 10 * 1024 * 1024
)

// CLIRunner runs sessions through the claude CLI in print mode.
type CLIRunner struct {
	options
	projectDir string

	mu           sync.Mutex
	settingsPath string
}

// NewCLIRunner creates a runner that executes claude in projectDir.
func NewCLIRunner(projectDir string, opts ...Option) *CLIRunner {
	return &CLIRunner{
		options:    newOptions(opts),
		projectDir: projectDir,
	}
}

// Check verifies that the claude executable can be found.
func (r *CLIRunner) Check() error {
	if _, err := exec.LookPath(r.claudePath); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrRuntimeUnavailable, r.claudePath, err)
	}
	return nil
}

// Args returns the claude arguments for a request.
func (r *CLIRunner) Args(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if path := r.currentSettings(); path != "" {
		args = append(args, "--settings", path)
	}
	if r.maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.maxTurns))
	}
	if req.Continue {
		args = append(args, "--continue")
	}
	if r.mcpConfig != "" {
		args = append(args, "--mcp-config", r.mcpConfig)
	}
	return args
}

// Run executes one claude session and waits for it to exit. Cancelling ctx
// sends SIGINT and, after the grace period, kills the process.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	path, err := exec.LookPath(r.claudePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrRuntimeUnavailable, r.claudePath, err)
	}
	if err := r.writeSettings(); err != nil {
		return nil, err
	}

	tr, err := newTranscript(r.logPath, r.echo)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	start := time.Now()
	tr.header(req, start)

	cmd := exec.CommandContext(ctx, path, r.Args(req)...)
	cmd.Dir = r.projectDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.gracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	r.logger.Log("[session] starting claude: session=%d attempt=%d model=%s continue=%v",
		req.Index, req.Attempt, req.Model, req.Continue)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrRuntimeUnavailable, path, err)
	}

	// Both pipes must be drained before Wait closes them.
	var g errgroup.Group
	g.Go(func() error {
		return scanLines(stdout, func(line string) {
			for _, l := range streamLines(line) {
				tr.line(l)
			}
		})
	})
	g.Go(func() error {
		return scanLines(stderr, func(line string) {
			tr.line("[stderr] " + line)
		})
	})
	if err := g.Wait(); err != nil {
		r.logger.Log("[session] reading claude output: %v", err)
		tr.line("[stream] " + err.Error())
	}

	waitErr := cmd.Wait()
	exitCode := exitCodeOf(cmd, waitErr)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			tr.line("[exit] " + waitErr.Error())
		}
	}

	res := &Result{
		Output:   tr.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}
	r.logger.Log("[session] claude exited: session=%d attempt=%d code=%d duration=%s",
		req.Index, req.Attempt, res.ExitCode, res.Duration.Round(time.Second))
	return res, nil
}

// writeSettings rewrites the settings file before every session, so an
// edit made by an earlier session never carries over.
func (r *CLIRunner) writeSettings() error {
	if r.settings == nil {
		return nil
	}
	dir := r.settingsDir
	if dir == "" {
		dir = r.projectDir
	}
	path, err := WriteSettings(dir, *r.settings)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.settingsPath = path
	r.mu.Unlock()
	r.logger.Log("[session] wrote agent settings to %s", path)
	return nil
}

func (r *CLIRunner) currentSettings() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settingsPath
}

// scanLines calls fn for every line of rd. After an over-long line the rest
// of the stream is discarded so the process never blocks on a full pipe.
func scanLines(rd io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, scanBufferSize), scanMaxLine)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		io.Copy(io.Discard, rd)
		return err
	}
	return nil
}

// exitCodeOf maps a finished command to an exit code. A process killed by
// a signal has no code of its own and is reported as 1.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
		return 1
	}
	if waitErr != nil {
		return 1
	}
	return 0
}

var _ Runner = (*CLIRunner)(nil)
