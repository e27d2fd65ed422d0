package orchestrator

import (
	"time"

	"github.com/ShayCichocki/marathon/internal/prompts"
)

// Policy holds the loop's timing and stop rules.
type Policy struct {
	// MaxSessions stops the run once the session index passes it. Zero
	// means unbounded.
	MaxSessions int
	// InterSessionDelay follows a successful session.
	InterSessionDelay time.Duration
	// FailureBackoff follows a failed session.
	FailureBackoff time.Duration
	// FallbackWait applies when a rate-limit message has no usable time.
	FallbackWait time.Duration
	// WaitChunk bounds a single sleep so a stop is noticed promptly.
	WaitChunk time.Duration
	// MaxRateLimitRetries stops the run after this many consecutive
	// rate-limit retries of one session. Zero means unlimited.
	MaxRateLimitRetries int
	// MaxWait caps every rate-limit wait. Zero means no cap.
	MaxWait time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		InterSessionDelay: 3 * time.Second,
		FailureBackoff:    60 * time.Second,
		FallbackWait:      24 * time.Hour,
		WaitChunk:         10 * time.Minute,
		MaxWait:           24 * time.Hour,
	}
}

// Models pairs the model used for each prompt kind.
type Models struct {
	Planning string
	Coding   string
}

// Hybrid reports whether planning and coding use different models.
func (m Models) Hybrid() bool {
	return m.Planning != m.Coding
}

// loopState is everything the control loop carries between iterations.
type loopState struct {
	// Index is the logical session number, 1-based.
	Index int
	// Attempt counts every session run, rate-limit retries included.
	Attempt int
	// Retries counts consecutive rate-limit retries of Index.
	Retries int
	// Selected is set once Kind and Model are chosen for Index.
	Selected bool
	Kind     prompts.Kind
	Model    string
	// Continue resumes the previous conversation on the next run.
	Continue bool
	// Ran is set after the first session of this process.
	Ran bool
}

func initialState() loopState {
	return loopState{Index: 1}
}

// selectPrompt chooses the prompt and model for the current index. The
// initializer runs only when no task list exists and nothing has run yet
// in this process. A selection is kept for all retries of the index.
func selectPrompt(st loopState, taskListExists bool, models Models) loopState {
	if st.Selected {
		return st
	}
	if !st.Ran && !taskListExists {
		st.Kind, st.Model = prompts.KindInitializer, models.Planning
	} else {
		st.Kind, st.Model = prompts.KindCoding, models.Coding
	}
	st.Selected = true
	st.Continue = false
	return st
}

// verdict is the classification of one finished session.
type verdict int

const (
	verdictSucceeded verdict = iota
	verdictFailed
	verdictRateLimited
)

func (v verdict) String() string {
	switch v {
	case verdictFailed:
		return "failed"
	case verdictRateLimited:
		return "rate_limited"
	default:
		return "succeeded"
	}
}

// observation is what the loop learned from the last session.
type observation struct {
	Verdict verdict
	// Wait is the resolved rate-limit wait.
	Wait time.Duration
	// Complete is the task list state read after the session.
	Complete bool
}

type actionKind int

const (
	// actionRetry sleeps then reruns the same index.
	actionRetry actionKind = iota
	// actionNext sleeps then starts the next index.
	actionNext
	// actionStop ends the run.
	actionStop
)

// action is the effect the loop must perform next.
type action struct {
	Kind  actionKind
	Delay time.Duration
	Stop  Outcome
}

// decide is the loop's transition function. It has no side effects: the
// caller performs the returned action. A complete task list stops the run
// whatever the verdict.
func decide(st loopState, obs observation, pol Policy) (loopState, action) {
	st.Ran = true
	if obs.Complete {
		return st, action{Kind: actionStop, Stop: OutcomeComplete}
	}

	switch obs.Verdict {
	case verdictRateLimited:
		st.Retries++
		if pol.MaxRateLimitRetries > 0 && st.Retries > pol.MaxRateLimitRetries {
			return st, action{Kind: actionStop, Stop: OutcomeRetryLimit}
		}
		st.Continue = true
		return st, action{Kind: actionRetry, Delay: obs.Wait}

	case verdictFailed:
		return advance(st, pol, pol.FailureBackoff)

	default:
		return advance(st, pol, pol.InterSessionDelay)
	}
}

func advance(st loopState, pol Policy, delay time.Duration) (loopState, action) {
	st.Index++
	st.Retries = 0
	st.Selected = false
	st.Continue = false
	if pol.MaxSessions > 0 && st.Index > pol.MaxSessions {
		return st, action{Kind: actionStop, Stop: OutcomeMaxSessions}
	}
	return st, action{Kind: actionNext, Delay: delay}
}
