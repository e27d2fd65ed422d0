package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/marathon/internal/progress"
	"github.com/ShayCichocki/marathon/internal/prompts"
	"github.com/ShayCichocki/marathon/internal/ratelimit"
	"github.com/ShayCichocki/marathon/internal/session"
	"github.com/ShayCichocki/marathon/internal/state"
)

// ErrPromptMissing is returned when a prompt file cannot be found. It is a
// structural failure: retrying cannot fix it.
var ErrPromptMissing = prompts.ErrPromptMissing

// ErrInvalidConfig is returned by New when a required field is missing.
var ErrInvalidConfig = errors.New("invalid orchestrator config")

// Orchestrator runs sessions strictly one after another until the task
// list is complete or a stop condition is met.
type Orchestrator struct {
	cfg RequiredConfig
	orchestratorOptions
	announce announcer
}

// New creates an Orchestrator.
func New(cfg RequiredConfig, opts ...Option) (*Orchestrator, error) {
	switch {
	case cfg.ProjectDir == "":
		return nil, fmt.Errorf("%w: project directory is required", ErrInvalidConfig)
	case cfg.Runner == nil:
		return nil, fmt.Errorf("%w: session runner is required", ErrInvalidConfig)
	case cfg.Prompts == nil:
		return nil, fmt.Errorf("%w: prompt loader is required", ErrInvalidConfig)
	case cfg.Progress == nil:
		return nil, fmt.Errorf("%w: progress store is required", ErrInvalidConfig)
	}

	o := orchestratorOptions{
		policy:   DefaultPolicy(),
		scanTail: ratelimit.DefaultTail,
		logger:   NopLogger(),
		output:   io.Discard,
		sleeper:  timerSleeper{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.classifier == nil {
		o.classifier = ratelimit.NewSubstringClassifier(nil, o.scanTail)
	}

	return &Orchestrator{
		cfg:                 cfg,
		orchestratorOptions: o,
		announce:            announcer{w: o.output},
	}, nil
}

// Run drives the session loop. The returned error is non-nil only for
// structural failures; rate limits, failed sessions, session limits and
// operator stops all end with a nil error and the matching Outcome.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	setPackageLogger(o.logger)
	defer setPackageLogger(nil)

	sum := &Summary{RunID: o.newID(), StartedAt: o.now()}
	o.startHistory(sum)

	if err := o.checkPrompts(); err != nil {
		return o.finish(sum, OutcomeError, err)
	}

	if o.stop != nil {
		o.stop.Clear()
		var release func()
		ctx, release = o.stop.Watch(ctx)
		defer release()
	}

	snap := o.cfg.Progress.Snapshot()
	o.announce.start(o.cfg.ProjectDir, o.cfg.Models, o.policy, snap)
	o.logger.Log("[orchestrator] run %s started: passing=%d total=%d", sum.RunID, snap.Passing, snap.Total)
	if snap.Complete() {
		return o.finish(sum, OutcomeComplete, nil)
	}

	st := initialState()
	for {
		if o.stopRequested(ctx) {
			return o.finish(sum, OutcomeStopped, nil)
		}

		if !st.Selected {
			st = selectPrompt(st, o.cfg.Progress.Exists(), o.cfg.Models)
			sum.Sessions++
			o.logger.Log("[orchestrator] session %d selected %s prompt, model %s", st.Index, st.Kind, st.Model)
		}
		prompt, err := o.cfg.Prompts.Load(st.Kind)
		if err != nil {
			return o.finish(sum, OutcomeError, fmt.Errorf("load %s prompt: %w", st.Kind, err))
		}

		st.Attempt++
		sum.Attempts++
		before := o.cfg.Progress.Snapshot()
		o.announce.session(st, before)

		started := o.now()
		res, err := o.cfg.Runner.Run(ctx, session.Request{
			Kind:     string(st.Kind),
			Prompt:   prompt,
			Model:    st.Model,
			Continue: st.Continue,
			Index:    st.Index,
			Attempt:  st.Attempt,
		})
		if err != nil {
			if ctx.Err() != nil {
				return o.finish(sum, OutcomeStopped, nil)
			}
			return o.finish(sum, OutcomeError, fmt.Errorf("session %d: %w", st.Index, err))
		}

		after := o.cfg.Progress.Snapshot()
		if after.Regressed(before) {
			o.announce.regressed(before, after)
			o.logger.Log("[orchestrator] task counts regressed: %d/%d -> %d/%d",
				before.Passing, before.Total, after.Passing, after.Total)
		}

		if ctx.Err() != nil {
			o.recordAttempt(sum, st, res, state.AttemptInterrupted, ratelimit.Signal{}, before, after, started)
			return o.finish(sum, OutcomeStopped, nil)
		}

		obs, sig := o.inspect(res, after)
		o.recordAttempt(sum, st, res, attemptOutcome(obs.Verdict), sig, before, after, started)
		o.logger.Log("[orchestrator] session %d attempt %d: %s exit=%d", st.Index, st.Attempt, obs.Verdict, res.ExitCode)

		var act action
		st, act = decide(st, obs, o.policy)
		delay := time.Duration(0)
		if act.Kind != actionStop {
			delay = act.Delay
		}

		switch obs.Verdict {
		case verdictFailed:
			sum.Failures++
			o.announce.failed(res.ExitCode, delay)
		case verdictSucceeded:
			o.announce.succeeded(after, delay)
		case verdictRateLimited:
			if act.Kind == actionRetry {
				sum.RateLimitWaits++
				o.announce.rateLimited(sig, st.Retries, o.policy.MaxRateLimitRetries)
			}
		}

		switch act.Kind {
		case actionStop:
			return o.finish(sum, act.Stop, nil)
		case actionRetry:
			if err := o.wait(ctx, act.Delay, o.announce.countdown); err != nil {
				return o.finish(sum, OutcomeStopped, nil)
			}
			sum.Waited += act.Delay
		case actionNext:
			if err := o.wait(ctx, act.Delay, nil); err != nil {
				return o.finish(sum, OutcomeStopped, nil)
			}
		}
	}
}

// checkPrompts fails fast when either prompt is missing.
func (o *Orchestrator) checkPrompts() error {
	for _, kind := range []prompts.Kind{prompts.KindInitializer, prompts.KindCoding} {
		if _, err := o.cfg.Prompts.Load(kind); err != nil {
			return fmt.Errorf("load %s prompt: %w", kind, err)
		}
	}
	return nil
}

// inspect classifies a finished session. Rate-limit indicators win over
// the exit code. The task list is read whatever the verdict.
func (o *Orchestrator) inspect(res *session.Result, after progress.Snapshot) (observation, ratelimit.Signal) {
	complete := after.Complete()
	sig := o.classifier.Classify(res.Output)
	if sig.Detected {
		// The matched line is parsed first so that dates elsewhere in the
		// transcript do not win.
		text := sig.SourceText + "\n" + ratelimit.Tail(res.Output, o.scanTail)
		now := o.now()
		sig = ratelimit.Resolve(sig, text, now, o.policy.FallbackWait)
		if capped := sig.Capped(o.policy.MaxWait, now); capped.WaitSeconds != sig.WaitSeconds {
			o.logger.Log("[orchestrator] rate-limit wait %s capped to %s", sig.Wait(), capped.Wait())
			sig = capped
		}
		return observation{Verdict: verdictRateLimited, Wait: sig.Wait(), Complete: complete}, sig
	}
	if res.ExitCode != 0 {
		return observation{Verdict: verdictFailed, Complete: complete}, sig
	}
	return observation{Verdict: verdictSucceeded, Complete: complete}, sig
}

// wait sleeps in chunks, checking for a stop between chunks.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration, tick func(time.Duration)) error {
	if d <= 0 {
		return nil
	}
	o.logger.Log("[orchestrator] sleeping %s", d)
	return sleepChunked(ctx, o.sleeper, d, o.policy.WaitChunk, func(remaining time.Duration) {
		if tick != nil {
			tick(remaining)
		}
		o.logger.Log("[orchestrator] %s remaining", remaining)
	})
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return o.stop != nil && o.stop.Requested()
}

// finish fills in the summary, records it and prints the report.
func (o *Orchestrator) finish(sum *Summary, outcome Outcome, err error) (*Summary, error) {
	sum.Outcome = outcome
	sum.Err = err
	sum.EndedAt = o.now()
	sum.Passing, sum.Total = o.cfg.Progress.Counts()

	if o.history != nil {
		if herr := o.history.FinishRun(sum.RunID, outcome.runOutcome(), sum.Sessions, sum.EndedAt); herr != nil {
			log.Printf("[orchestrator] record run result: %v", herr)
		}
	}
	o.logger.Log("[orchestrator] run %s finished: outcome=%s sessions=%d attempts=%d err=%v",
		sum.RunID, outcome, sum.Sessions, sum.Attempts, err)
	o.announce.summary(sum, o.cfg.ProjectDir)
	return sum, err
}

func (o *Orchestrator) startHistory(sum *Summary) {
	if o.history == nil {
		return
	}
	err := o.history.CreateRun(&state.Run{
		ID:            sum.RunID,
		ProjectDir:    o.cfg.ProjectDir,
		Backend:       o.backend,
		PlanningModel: o.cfg.Models.Planning,
		CodingModel:   o.cfg.Models.Coding,
		StartedAt:     sum.StartedAt,
	})
	if err != nil {
		log.Printf("[orchestrator] history disabled: %v", err)
		o.history = nil
	}
}

func (o *Orchestrator) recordAttempt(sum *Summary, st loopState, res *session.Result, outcome state.AttemptOutcome,
	sig ratelimit.Signal, before, after progress.Snapshot, started time.Time) {
	if o.history == nil {
		return
	}
	a := &state.Attempt{
		RunID:         sum.RunID,
		SessionIndex:  st.Index,
		Attempt:       st.Attempt,
		Kind:          string(st.Kind),
		Model:         st.Model,
		Continued:     st.Continue,
		Outcome:       outcome,
		ExitCode:      res.ExitCode,
		PassingBefore: before.Passing,
		TotalBefore:   before.Total,
		PassingAfter:  after.Passing,
		TotalAfter:    after.Total,
		StartedAt:     started,
		FinishedAt:    o.now(),
	}
	if sig.Detected {
		a.WaitSeconds = sig.WaitSeconds
		a.WaitConfidence = string(sig.Confidence)
		a.Detail = sig.SourceText
	}
	if err := o.history.RecordAttempt(a); err != nil {
		log.Printf("[orchestrator] record attempt: %v", err)
	}
}

func attemptOutcome(v verdict) state.AttemptOutcome {
	switch v {
	case verdictFailed:
		return state.AttemptFailed
	case verdictRateLimited:
		return state.AttemptRateLimited
	default:
		return state.AttemptSucceeded
	}
}
