package orchestrator

import (
	"time"

	"github.com/ShayCichocki/marathon/internal/state"
)

// Outcome is how a run ended.
type Outcome string

const (
	// OutcomeComplete means every task passes.
	OutcomeComplete Outcome = "complete"
	// OutcomeMaxSessions means the session limit was reached.
	OutcomeMaxSessions Outcome = "max_sessions"
	// OutcomeStopped means the operator interrupted the run.
	OutcomeStopped Outcome = "stopped"
	// OutcomeRetryLimit means one session was rate limited too many times.
	OutcomeRetryLimit Outcome = "retry_limit"
	// OutcomeError means a structural failure ended the run.
	OutcomeError Outcome = "error"
)

// Success reports whether the outcome maps to a zero exit code. Every
// outcome except a structural error is a clean, resumable stop.
func (o Outcome) Success() bool {
	return o != OutcomeError
}

func (o Outcome) runOutcome() state.RunOutcome {
	switch o {
	case OutcomeComplete:
		return state.RunComplete
	case OutcomeMaxSessions:
		return state.RunMaxSessions
	case OutcomeStopped:
		return state.RunStopped
	case OutcomeRetryLimit:
		return state.RunRetryLimit
	default:
		return state.RunError
	}
}

// Summary describes a finished run.
type Summary struct {
	RunID   string
	Outcome Outcome
	// Sessions is the number of logical sessions started.
	Sessions int
	// Attempts counts every session run, retries included.
	Attempts       int
	Failures       int
	RateLimitWaits int
	Waited         time.Duration
	StartedAt      time.Time
	EndedAt        time.Time
	// Passing and Total are the task counts at the end of the run.
	Passing int
	Total   int
	// Err is the structural failure for OutcomeError.
	Err error
}

// Duration returns the wall-clock length of the run.
func (s *Summary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}
