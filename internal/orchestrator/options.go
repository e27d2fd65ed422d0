package orchestrator

import (
	"io"
	"time"

	"github.com/ShayCichocki/marathon/internal/progress"
	"github.com/ShayCichocki/marathon/internal/prompts"
	"github.com/ShayCichocki/marathon/internal/ratelimit"
	"github.com/ShayCichocki/marathon/internal/session"
	"github.com/ShayCichocki/marathon/internal/state"
)

// PromptLoader reads the prompt for a session kind.
type PromptLoader interface {
	Load(kind prompts.Kind) (string, error)
}

// RequiredConfig contains the minimal required configuration for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	// ProjectDir is the directory the agent works in.
	ProjectDir string
	// Runner executes sessions.
	Runner session.Runner
	// Prompts supplies the initializer and coding prompts.
	Prompts PromptLoader
	// Progress reads the task list.
	Progress *progress.Store
	// Models selects the model for each prompt kind.
	Models Models
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	policy     Policy
	classifier ratelimit.Classifier
	scanTail   int
	history    state.HistoryStore
	backend    string
	logger     *DebugLogger
	output     io.Writer
	stop       *StopSignal

	// Injectable dependencies for testing
	sleeper Sleeper
	now     func() time.Time
	newID   func() string
}

// WithPolicy sets the timing and stop rules.
func WithPolicy(p Policy) Option {
	return func(o *orchestratorOptions) { o.policy = p }
}

// WithClassifier replaces the rate-limit classifier.
func WithClassifier(c ratelimit.Classifier) Option {
	return func(o *orchestratorOptions) { o.classifier = c }
}

// WithScanTail sets how much trailing output is parsed for a reset time.
func WithScanTail(n int) Option {
	return func(o *orchestratorOptions) { o.scanTail = n }
}

// WithHistory records runs and attempts in h. Recording is best effort.
func WithHistory(h state.HistoryStore, backend string) Option {
	return func(o *orchestratorOptions) {
		o.history = h
		o.backend = backend
	}
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithOutput sets where announcements are printed.
func WithOutput(w io.Writer) Option {
	return func(o *orchestratorOptions) { o.output = w }
}

// WithStopSignal stops the run when the operator's stop file appears.
func WithStopSignal(s *StopSignal) Option {
	return func(o *orchestratorOptions) { o.stop = s }
}

// WithSleeper replaces the sleeper used for delays and waits.
func WithSleeper(s Sleeper) Option {
	return func(o *orchestratorOptions) { o.sleeper = s }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}

// WithRunID fixes the run ID generator.
func WithRunID(newID func() string) Option {
	return func(o *orchestratorOptions) { o.newID = newID }
}
