package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/marathon/internal/progress"
	"github.com/ShayCichocki/marathon/internal/prompts"
	"github.com/ShayCichocki/marathon/internal/session"
	"github.com/ShayCichocki/marathon/internal/state"
)

// step scripts one session.
type step func(req session.Request) (*session.Result, error)

// scriptedRunner plays steps in order and records every request.
type scriptedRunner struct {
	t     *testing.T
	steps []step
	reqs  []session.Request
}

func (r *scriptedRunner) Run(ctx context.Context, req session.Request) (*session.Result, error) {
	r.reqs = append(r.reqs, req)
	if len(r.reqs) > len(r.steps) {
		r.t.Fatalf("unexpected session %d (attempt %d)", req.Index, req.Attempt)
	}
	return r.steps[len(r.reqs)-1](req)
}

// staticPrompts serves fixed prompt text.
type staticPrompts map[prompts.Kind]string

func (p staticPrompts) Load(kind prompts.Kind) (string, error) {
	text, ok := p[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", prompts.ErrPromptMissing, kind)
	}
	return text, nil
}

var bothPrompts = staticPrompts{
	prompts.KindInitializer: "plan the app",
	prompts.KindCoding:      "build one feature",
}

var testNow = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

func writeTasks(t *testing.T, path string, passing, total int) {
	t.Helper()
	tasks := make([]progress.Task, total)
	for i := range tasks {
		tasks[i] = progress.Task{ID: i + 1, Category: progress.CategoryCore, Description: "task", Passes: i < passing}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func ok(output string) *session.Result {
	return &session.Result{Output: output}
}

type harness struct {
	dir     string
	store   *progress.Store
	runner  *scriptedRunner
	sleeper *fakeSleeper
	out     *bytes.Buffer
}

func newHarness(t *testing.T, steps ...step) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{
		dir:     dir,
		store:   progress.ForProject(dir, ""),
		runner:  &scriptedRunner{t: t, steps: steps},
		sleeper: &fakeSleeper{},
		out:     &bytes.Buffer{},
	}
}

func (h *harness) orchestrator(t *testing.T, loader PromptLoader, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithSleeper(h.sleeper),
		WithClock(func() time.Time { return testNow }),
		WithRunID(func() string { return "run-1" }),
		WithOutput(h.out),
	}
	o, err := New(RequiredConfig{
		ProjectDir: h.dir,
		Runner:     h.runner,
		Prompts:    loader,
		Progress:   h.store,
		Models:     Models{Planning: "opus", Coding: "sonnet"},
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func TestNew_RequiresConfig(t *testing.T) {
	store := progress.NewStore("x")
	runner := &scriptedRunner{t: t}
	tests := []struct {
		name string
		cfg  RequiredConfig
	}{
		{"no project", RequiredConfig{Runner: runner, Prompts: bothPrompts, Progress: store}},
		{"no runner", RequiredConfig{ProjectDir: ".", Prompts: bothPrompts, Progress: store}},
		{"no prompts", RequiredConfig{ProjectDir: ".", Runner: runner, Progress: store}},
		{"no progress", RequiredConfig{ProjectDir: ".", Runner: runner, Prompts: bothPrompts}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestRun_FreshProjectToCompletion(t *testing.T) {
	var h *harness
	h = newHarness(t,
		func(req session.Request) (*session.Result, error) {
			writeTasks(t, h.store.Path(), 0, 2)
			return ok("created the task list"), nil
		},
		func(req session.Request) (*session.Result, error) {
			return &session.Result{Output: "working...\nClaude usage limit reached. Your limit resets 3pm\n", ExitCode: 1}, nil
		},
		func(req session.Request) (*session.Result, error) {
			writeTasks(t, h.store.Path(), 1, 2)
			return ok("implemented task 1"), nil
		},
		func(req session.Request) (*session.Result, error) {
			writeTasks(t, h.store.Path(), 2, 2)
			return ok("implemented task 2"), nil
		},
	)
	pol := DefaultPolicy()
	pol.WaitChunk = time.Hour
	o := h.orchestrator(t, bothPrompts, WithPolicy(pol))

	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []session.Request{
		{Kind: "initializer", Prompt: "plan the app", Model: "opus", Index: 1, Attempt: 1},
		{Kind: "coding", Prompt: "build one feature", Model: "sonnet", Index: 2, Attempt: 2},
		{Kind: "coding", Prompt: "build one feature", Model: "sonnet", Index: 2, Attempt: 3, Continue: true},
		{Kind: "coding", Prompt: "build one feature", Model: "sonnet", Index: 3, Attempt: 4},
	}
	if len(h.runner.reqs) != len(want) {
		t.Fatalf("ran %d sessions, want %d", len(h.runner.reqs), len(want))
	}
	for i, w := range want {
		if h.runner.reqs[i] != w {
			t.Errorf("request %d = %+v, want %+v", i, h.runner.reqs[i], w)
		}
	}

	if sum.Outcome != OutcomeComplete || !sum.Outcome.Success() {
		t.Errorf("Outcome = %q, want complete", sum.Outcome)
	}
	if sum.Sessions != 3 || sum.Attempts != 4 || sum.RateLimitWaits != 1 {
		t.Errorf("summary counts = %+v", sum)
	}
	if sum.Passing != 2 || sum.Total != 2 {
		t.Errorf("final counts = %d/%d, want 2/2", sum.Passing, sum.Total)
	}

	// 3pm reset from noon is three hours plus the safety margin.
	wait := 3*time.Hour + time.Minute
	if sum.Waited != wait {
		t.Errorf("Waited = %v, want %v", sum.Waited, wait)
	}
	wantSleeps := []time.Duration{3 * time.Second, time.Hour, time.Hour, time.Hour, time.Minute, 3 * time.Second}
	if !equalDurations(h.sleeper.slept, wantSleeps) {
		t.Errorf("sleeps = %v, want %v", h.sleeper.slept, wantSleeps)
	}

	out := h.out.String()
	for _, s := range []string{"SESSION 1 (INITIALIZER)", "RATE LIMITED", "resuming, attempt 3", "RUN COMPLETE"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q", s)
		}
	}
}

func TestRun_AlreadyComplete(t *testing.T) {
	h := newHarness(t)
	writeTasks(t, h.store.Path(), 3, 3)

	sum, err := h.orchestrator(t, bothPrompts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Outcome != OutcomeComplete || sum.Attempts != 0 {
		t.Errorf("summary = %+v, want complete with no sessions", sum)
	}
}

func TestRun_MaxSessionsAfterFailure(t *testing.T) {
	h := newHarness(t,
		func(req session.Request) (*session.Result, error) {
			return &session.Result{Output: "panic: something broke", ExitCode: 2}, nil
		},
		func(req session.Request) (*session.Result, error) {
			return ok("did some work"), nil
		},
	)
	writeTasks(t, h.store.Path(), 0, 5)

	pol := DefaultPolicy()
	pol.MaxSessions = 2
	sum, err := h.orchestrator(t, bothPrompts, WithPolicy(pol)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Outcome != OutcomeMaxSessions {
		t.Errorf("Outcome = %q, want max_sessions", sum.Outcome)
	}
	if sum.Failures != 1 || sum.Sessions != 2 {
		t.Errorf("summary = %+v", sum)
	}
	for i, req := range h.runner.reqs {
		if req.Kind != "coding" || req.Continue || req.Index != i+1 {
			t.Errorf("request %d = %+v", i, req)
		}
	}
	if !equalDurations(h.sleeper.slept, []time.Duration{time.Minute}) {
		t.Errorf("sleeps = %v, want only the failure backoff", h.sleeper.slept)
	}
}

func TestRun_RetryLimit(t *testing.T) {
	limited := func(req session.Request) (*session.Result, error) {
		return &session.Result{Output: "429 Too Many Requests, try again in 30 seconds", ExitCode: 1}, nil
	}
	h := newHarness(t, limited, limited, limited)
	writeTasks(t, h.store.Path(), 0, 1)

	pol := DefaultPolicy()
	pol.MaxRateLimitRetries = 2
	sum, err := h.orchestrator(t, bothPrompts, WithPolicy(pol)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Outcome != OutcomeRetryLimit {
		t.Errorf("Outcome = %q, want retry_limit", sum.Outcome)
	}
	if sum.Sessions != 1 || sum.Attempts != 3 || sum.RateLimitWaits != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if !equalDurations(h.sleeper.slept, []time.Duration{30 * time.Second, 30 * time.Second}) {
		t.Errorf("sleeps = %v", h.sleeper.slept)
	}
}

func TestRun_FallbackWait(t *testing.T) {
	h := newHarness(t,
		func(req session.Request) (*session.Result, error) {
			return &session.Result{Output: "Error: rate limit exceeded", ExitCode: 1}, nil
		},
		func(req session.Request) (*session.Result, error) {
			return ok("done"), nil
		},
	)
	writeTasks(t, h.store.Path(), 0, 1)

	pol := DefaultPolicy()
	pol.MaxSessions = 1
	pol.FallbackWait = 2 * time.Hour
	pol.WaitChunk = 0
	sum, err := h.orchestrator(t, bothPrompts, WithPolicy(pol)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !equalDurations(h.sleeper.slept, []time.Duration{2 * time.Hour}) {
		t.Errorf("sleeps = %v, want the fallback wait", h.sleeper.slept)
	}
	if sum.Outcome != OutcomeMaxSessions || sum.Attempts != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRun_MaxWaitCapsRateLimit(t *testing.T) {
	h := newHarness(t,
		func(req session.Request) (*session.Result, error) {
			return &session.Result{Output: "rate limit hit, retry-after: 200000", ExitCode: 1}, nil
		},
		func(req session.Request) (*session.Result, error) {
			return ok("done"), nil
		},
	)
	writeTasks(t, h.store.Path(), 0, 1)

	pol := DefaultPolicy()
	pol.MaxSessions = 1
	pol.WaitChunk = 0
	sum, err := h.orchestrator(t, bothPrompts, WithPolicy(pol)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !equalDurations(h.sleeper.slept, []time.Duration{24 * time.Hour}) {
		t.Errorf("sleeps = %v, want the wait capped at 24h", h.sleeper.slept)
	}
	if sum.Waited != 24*time.Hour || sum.Attempts != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRun_CompleteAfterFailedSession(t *testing.T) {
	tests := []struct {
		name   string
		result *session.Result
	}{
		{"non-zero exit", &session.Result{Output: "finished the last feature, then the CLI crashed", ExitCode: 1}},
		{"rate limited", &session.Result{Output: "all done\nError: rate limit exceeded", ExitCode: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h *harness
			h = newHarness(t, func(req session.Request) (*session.Result, error) {
				writeTasks(t, h.store.Path(), 2, 2)
				return tt.result, nil
			})
			writeTasks(t, h.store.Path(), 1, 2)

			sum, err := h.orchestrator(t, bothPrompts).Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if sum.Outcome != OutcomeComplete {
				t.Errorf("Outcome = %q, want complete", sum.Outcome)
			}
			if len(h.runner.reqs) != 1 || len(h.sleeper.slept) != 0 {
				t.Errorf("requests = %d, sleeps = %v; want one session and no wait", len(h.runner.reqs), h.sleeper.slept)
			}
		})
	}
}

func TestRun_PromptMissing(t *testing.T) {
	h := newHarness(t)
	sum, err := h.orchestrator(t, staticPrompts{prompts.KindCoding: "code"}).Run(context.Background())
	if !errors.Is(err, ErrPromptMissing) {
		t.Fatalf("Run() error = %v, want ErrPromptMissing", err)
	}
	if sum.Outcome != OutcomeError || sum.Outcome.Success() {
		t.Errorf("Outcome = %q, want error", sum.Outcome)
	}
	if len(h.runner.reqs) != 0 {
		t.Errorf("ran %d sessions with a missing prompt", len(h.runner.reqs))
	}
}

func TestRun_RuntimeUnavailable(t *testing.T) {
	h := newHarness(t, func(req session.Request) (*session.Result, error) {
		return nil, fmt.Errorf("%w: claude not found", session.ErrRuntimeUnavailable)
	})
	sum, err := h.orchestrator(t, bothPrompts).Run(context.Background())
	if !errors.Is(err, session.ErrRuntimeUnavailable) {
		t.Fatalf("Run() error = %v, want ErrRuntimeUnavailable", err)
	}
	if sum.Outcome != OutcomeError {
		t.Errorf("Outcome = %q, want error", sum.Outcome)
	}
}

func TestRun_InterruptedDuringSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(req session.Request) (*session.Result, error) {
		cancel()
		return &session.Result{Output: "interrupted", ExitCode: 130}, nil
	})

	sum, err := h.orchestrator(t, bothPrompts).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Outcome != OutcomeStopped || sum.Failures != 0 {
		t.Errorf("summary = %+v, want stopped without a failure", sum)
	}
	if len(h.sleeper.slept) != 0 {
		t.Errorf("slept %v after an interrupt", h.sleeper.slept)
	}
}

func TestRun_InterruptedDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(req session.Request) (*session.Result, error) {
		return &session.Result{Output: "usage limit reached, try again in 5 hours", ExitCode: 1}, nil
	})
	h.sleeper.onCall = func(int) { cancel() }

	sum, err := h.orchestrator(t, bothPrompts).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Outcome != OutcomeStopped {
		t.Errorf("Outcome = %q, want stopped", sum.Outcome)
	}
	if len(h.runner.reqs) != 1 {
		t.Errorf("ran %d sessions, want 1", len(h.runner.reqs))
	}
}

func TestRun_StopSignal(t *testing.T) {
	var h *harness
	h = newHarness(t, func(req session.Request) (*session.Result, error) {
		writeTasks(t, h.store.Path(), 0, 3)
		s, err := NewStopSignal(h.dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Send(); err != nil {
			t.Fatal(err)
		}
		return ok("planned"), nil
	})

	// A stop file left by an earlier run is cleared at start.
	stale, err := NewStopSignal(h.dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := stale.Send(); err != nil {
		t.Fatal(err)
	}

	sum, err := h.orchestrator(t, bothPrompts, WithStopSignal(stale)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Outcome != OutcomeStopped {
		t.Errorf("Outcome = %q, want stopped", sum.Outcome)
	}
	if len(h.runner.reqs) != 1 {
		t.Errorf("ran %d sessions, want 1", len(h.runner.reqs))
	}
}

func TestRun_RecordsHistory(t *testing.T) {
	var h *harness
	h = newHarness(t,
		func(req session.Request) (*session.Result, error) {
			writeTasks(t, h.store.Path(), 0, 1)
			return ok("planned"), nil
		},
		func(req session.Request) (*session.Result, error) {
			return &session.Result{Output: "rate limit hit, retry-after: 10", ExitCode: 1}, nil
		},
		func(req session.Request) (*session.Result, error) {
			writeTasks(t, h.store.Path(), 1, 1)
			return ok("done"), nil
		},
	)
	db, err := state.OpenProject(h.dir)
	if err != nil {
		t.Fatalf("OpenProject() error = %v", err)
	}
	defer db.Close()

	if _, err := h.orchestrator(t, bothPrompts, WithHistory(db, "cli")).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	run, err := db.GetRun("run-1")
	if err != nil || run == nil {
		t.Fatalf("GetRun() = %v, %v", run, err)
	}
	if run.Outcome != state.RunComplete || run.Sessions != 2 || run.Backend != "cli" {
		t.Errorf("run = %+v", run)
	}

	attempts, err := db.ListAttempts("run-1")
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	wantOutcomes := []state.AttemptOutcome{state.AttemptSucceeded, state.AttemptRateLimited, state.AttemptSucceeded}
	if len(attempts) != len(wantOutcomes) {
		t.Fatalf("recorded %d attempts, want %d", len(attempts), len(wantOutcomes))
	}
	for i, want := range wantOutcomes {
		if attempts[i].Outcome != want {
			t.Errorf("attempt %d outcome = %q, want %q", i, attempts[i].Outcome, want)
		}
	}
	limited := attempts[1]
	if limited.WaitSeconds != 10 || limited.WaitConfidence != "relative" || limited.Detail == "" {
		t.Errorf("rate-limited attempt = %+v", limited)
	}
	if !attempts[2].Continued || attempts[2].SessionIndex != 2 || attempts[2].PassingAfter != 1 {
		t.Errorf("retry attempt = %+v", attempts[2])
	}
}

func TestRun_RegressionWarning(t *testing.T) {
	var h *harness
	h = newHarness(t, func(req session.Request) (*session.Result, error) {
		writeTasks(t, h.store.Path(), 1, 4)
		return ok("rewrote the list"), nil
	})
	writeTasks(t, h.store.Path(), 3, 4)

	pol := DefaultPolicy()
	pol.MaxSessions = 1
	if _, err := h.orchestrator(t, bothPrompts, WithPolicy(pol)).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(h.out.String(), "Task counts went down") {
		t.Error("regression was not reported")
	}
}
