package session

import (
	"io"
	"time"
)

// DefaultGracePeriod is how long an interrupted claude process gets to
// exit before it is killed.
const DefaultGracePeriod = 10 * time.Second

// DefaultMaxTokens bounds each API response.
const DefaultMaxTokens = 16384

// options holds configuration shared by both runners. Options that do not
// apply to a runner are ignored by it.
type options struct {
	claudePath  string
	mcpConfig   string
	gracePeriod time.Duration
	settings    *Settings
	settingsDir string

	maxTokens int64
	messages  messageClient

	maxTurns int
	logPath  string
	echo     io.Writer
	logger   Logger
}

// Option configures a Runner. Use With* functions to create Options.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		claudePath:  "claude",
		gracePeriod: DefaultGracePeriod,
		maxTokens:   DefaultMaxTokens,
		logger:      nopLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClaudePath sets the claude executable.
func WithClaudePath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.claudePath = path
		}
	}
}

// WithMCPConfig passes an MCP server configuration file to claude.
func WithMCPConfig(path string) Option {
	return func(o *options) { o.mcpConfig = path }
}

// WithGracePeriod sets how long claude may take to exit after SIGINT.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

// WithSettings writes s before every claude session and passes it with
// --settings.
func WithSettings(s Settings) Option {
	return func(o *options) { o.settings = &s }
}

// WithSettingsDir writes the settings file into dir instead of the project
// directory.
func WithSettingsDir(dir string) Option {
	return func(o *options) { o.settingsDir = dir }
}

// WithMaxTokens bounds each API response.
func WithMaxTokens(n int64) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithMaxTurns caps agent turns per session. Zero means no cap for the CLI
// and DefaultAPITurns for the API loop.
func WithMaxTurns(n int) Option {
	return func(o *options) { o.maxTurns = n }
}

// WithProgressLog appends session output to path.
func WithProgressLog(path string) Option {
	return func(o *options) { o.logPath = path }
}

// WithEcho mirrors session output to w as it arrives.
func WithEcho(w io.Writer) Option {
	return func(o *options) { o.echo = w }
}

// WithLogger sets the debug logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// withMessageClient replaces the Anthropic client. Used by tests.
func withMessageClient(c messageClient) Option {
	return func(o *options) { o.messages = c }
}
