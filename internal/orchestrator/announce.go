package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/marathon/internal/progress"
	"github.com/ShayCichocki/marathon/internal/prompts"
	"github.com/ShayCichocki/marathon/internal/ratelimit"
)

const ruleWidth = 70

// announcer prints the human-readable progress of a run.
type announcer struct {
	w io.Writer
}

func (a announcer) printf(format string, args ...any) {
	fmt.Fprintf(a.w, format, args...)
}

// status prints a line prefixed by a colored symbol.
func (a announcer) status(symbol string, attr color.Attribute, format string, args ...any) {
	a.printf("%s %s\n", color.New(attr).Sprint(symbol), fmt.Sprintf(format, args...))
}

func (a announcer) banner(title string) {
	rule := strings.Repeat("=", ruleWidth)
	bold := color.New(color.Bold)
	a.printf("\n%s\n  %s\n%s\n\n", rule, bold.Sprint(title), rule)
}

func (a announcer) start(projectDir string, models Models, pol Policy, snap progress.Snapshot) {
	a.banner("MARATHON")
	a.printf("Project directory: %s\n", projectDir)
	if models.Hybrid() {
		a.printf("Hybrid mode: planning model %s, coding model %s\n", models.Planning, models.Coding)
	} else {
		a.printf("Model: %s\n", models.Coding)
	}
	if pol.MaxSessions > 0 {
		a.printf("Max sessions: %d\n", pol.MaxSessions)
	} else {
		a.printf("Max sessions: unlimited (runs until every task passes)\n")
	}
	if snap.Exists {
		a.printf("Continuing existing project: %s\n\n", formatCounts(snap))
	} else {
		a.printf("Fresh start: the first session will create the task list\n\n")
	}
}

func (a announcer) session(st loopState, snap progress.Snapshot) {
	title := fmt.Sprintf("SESSION %d", st.Index)
	if st.Kind == prompts.KindInitializer {
		title += " (INITIALIZER)"
	} else {
		title += " (CODING)"
	}
	if st.Continue {
		title += fmt.Sprintf(" - resuming, attempt %d", st.Attempt)
	}
	a.banner(title)
	a.printf("Model: %s\n", st.Model)
	if snap.Exists {
		a.printf("Progress: %s\n", formatCounts(snap))
	}
	a.printf("\n")
}

func (a announcer) succeeded(snap progress.Snapshot, delay time.Duration) {
	a.status("✓", color.FgGreen, "Session finished. Progress: %s", formatCounts(snap))
	if delay > 0 {
		a.printf("Next session in %s...\n", ratelimit.FormatWait(delay))
	}
}

func (a announcer) failed(exitCode int, backoff time.Duration) {
	if backoff <= 0 {
		a.status("✗", color.FgRed, "Session failed (exit code %d)", exitCode)
		return
	}
	a.status("✗", color.FgRed, "Session failed (exit code %d). Retrying with a fresh session in %s",
		exitCode, ratelimit.FormatWait(backoff))
}

func (a announcer) rateLimited(sig ratelimit.Signal, retries, maxRetries int) {
	a.banner("RATE LIMITED")
	if sig.SourceText != "" {
		a.printf("Provider said: %s\n", sig.SourceText)
	}
	wait := ratelimit.FormatWait(sig.Wait())
	switch sig.Confidence {
	case ratelimit.ConfidenceParsed:
		a.status("⏳", color.FgYellow, "Waiting %s until the limit resets at %s", wait, sig.ResetAt.Format("Jan 2 15:04 MST"))
	case ratelimit.ConfidenceRelative:
		a.status("⏳", color.FgYellow, "Waiting %s as requested by the provider", wait)
	default:
		a.status("⏳", color.FgYellow, "No reset time found; waiting the fallback %s", wait)
	}
	if maxRetries > 0 {
		a.printf("(retry %d/%d for this session)\n", retries, maxRetries)
	}
}

func (a announcer) countdown(remaining time.Duration) {
	a.printf("  ... %s remaining\n", ratelimit.FormatWait(remaining))
}

func (a announcer) regressed(before, after progress.Snapshot) {
	a.status("⚠", color.FgYellow, "Task counts went down: %s -> %s", formatCounts(before), formatCounts(after))
}

func (a announcer) summary(s *Summary, projectDir string) {
	a.banner("RUN " + strings.ToUpper(strings.ReplaceAll(string(s.Outcome), "_", " ")))
	a.printf("Project directory: %s\n", projectDir)
	a.printf("Sessions: %d (%d attempts, %d failed, %d rate-limit waits)\n",
		s.Sessions, s.Attempts, s.Failures, s.RateLimitWaits)
	if s.Waited > 0 {
		a.printf("Time spent waiting: %s\n", ratelimit.FormatWait(s.Waited))
	}
	a.printf("Progress: %s\n", formatCounts(progress.Snapshot{Exists: s.Total > 0, Passing: s.Passing, Total: s.Total}))

	switch s.Outcome {
	case OutcomeComplete:
		a.status("✓", color.FgGreen, "All tasks pass.")
	case OutcomeError:
		a.status("✗", color.FgRed, "Stopped: %v", s.Err)
	case OutcomeMaxSessions:
		a.status("⚠", color.FgYellow, "Reached the session limit. Run again to continue.")
	case OutcomeRetryLimit:
		a.status("⚠", color.FgYellow, "Too many rate-limit retries. Run again later to continue.")
	default:
		a.status("⚠", color.FgYellow, "Stopped by operator. Run again to continue.")
	}
}

func formatCounts(s progress.Snapshot) string {
	if s.Total == 0 {
		return "no tasks yet"
	}
	return fmt.Sprintf("%d/%d tasks passing (%.1f%%)", s.Passing, s.Total, s.Percent())
}
