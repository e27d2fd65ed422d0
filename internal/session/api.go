package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/tidwall/gjson"

	iexec "github.com/ShayCichocki/marathon/internal/exec"
)

// DefaultAPITurns caps model calls per API session when no cap is set.
const DefaultAPITurns = 200

const systemPrompt = "You are an expert full-stack developer building a production-quality web application."

const continuePrompt = "Continue where you left off."

// messageClient is the part of the Anthropic SDK the loop uses.
type messageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// APIConfig selects Anthropic credentials.
type APIConfig struct {
	// APIKey is used for direct API access.
	APIKey string
	// Bedrock routes requests through AWS Bedrock using the default AWS
	// credential chain.
	Bedrock bool
	Region  string
	Profile string
}

// modelAliases maps the short names used in configuration to API models.
var modelAliases = map[string]anthropic.Model{
	"sonnet": anthropic.ModelClaudeSonnet4_5_20250929,
	"opus":   anthropic.ModelClaudeOpus4_5_20251101,
	"haiku":  anthropic.ModelClaudeHaiku4_5_20251001,
}

// bedrockModels maps API models to Bedrock cross-region inference profiles.
var bedrockModels = map[anthropic.Model]string{
	anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
	anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
	anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
}

// ResolveModel turns a configured model name into the identifier sent to
// the API. Unknown names pass through unchanged.
func ResolveModel(name string, useBedrock bool) anthropic.Model {
	model := anthropic.Model(name)
	if alias, ok := modelAliases[strings.ToLower(name)]; ok {
		model = alias
	}
	if useBedrock {
		if profile, ok := bedrockModels[model]; ok {
			return anthropic.Model(profile)
		}
	}
	return model
}

// APIRunner runs sessions as an Anthropic Messages tool loop executed
// locally. Shell commands from the model go through runner, which should
// be gated.
type APIRunner struct {
	options
	tools   *toolExecutor
	bedrock bool

	mu      sync.Mutex
	history []anthropic.MessageParam
}

// NewAPIRunner creates an API runner working in projectDir. SDK retries are
// disabled: rate limits surface as session output for the orchestrator.
func NewAPIRunner(ctx context.Context, projectDir string, cfg APIConfig, runner iexec.CommandRunner, opts ...Option) (*APIRunner, error) {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}
	r := &APIRunner{
		options: newOptions(opts),
		tools:   newToolExecutor(root, runner),
		bedrock: cfg.Bedrock,
	}
	if r.maxTurns <= 0 {
		r.maxTurns = DefaultAPITurns
	}
	if r.messages != nil {
		return r, nil
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.Bedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
		}
		if cfg.Profile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
		}
		reqOpts = append(reqOpts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: no Anthropic API key", ErrRuntimeUnavailable)
		}
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(reqOpts...)
	r.messages = &client.Messages
	return r, nil
}

// Run executes one session. Continue resumes the conversation left by the
// previous run; otherwise a fresh conversation starts with req.Prompt.
// API failures are reported in Output with exit code 1.
func (r *APIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	tr, err := newTranscript(r.logPath, r.echo)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	start := time.Now()
	tr.header(req, start)

	r.mu.Lock()
	defer r.mu.Unlock()

	messages := r.startConversation(req)
	model := ResolveModel(req.Model, r.bedrock)
	r.logger.Log("[session] api session=%d attempt=%d model=%s continue=%v history=%d",
		req.Index, req.Attempt, model, req.Continue, len(messages))

	exitCode := 0
	for turn := 1; ; turn++ {
		if turn > r.maxTurns {
			tr.line(fmt.Sprintf("[result] max turns (%d) reached", r.maxTurns))
			break
		}

		resp, err := r.messages.New(ctx, anthropic.MessageNewParams{
			Model:     model,
			MaxTokens: r.maxTokens,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages:  messages,
			Tools:     toolDefinitions(),
		})
		if err != nil {
			tr.line(describeAPIError(err))
			exitCode = 1
			break
		}

		var assistant, results []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch b := block.AsAny().(type) {
			case anthropic.TextBlock:
				tr.line(b.Text)
				assistant = append(assistant, anthropic.NewTextBlock(b.Text))
			case anthropic.ToolUseBlock:
				tr.line("[tool] " + formatToolAction(b.Name, gjson.ParseBytes(b.Input)))
				assistant = append(assistant, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))

				res := r.tools.Execute(ctx, b.Name, b.Input)
				if res.IsError {
					tr.line("[tool error] " + truncate(res.Content, 300))
				}
				results = append(results, anthropic.NewToolResultBlock(b.ID, res.Content, res.IsError))
			}
		}

		if len(assistant) > 0 {
			messages = append(messages, anthropic.NewAssistantMessage(assistant...))
		}
		if len(results) == 0 {
			if resp.StopReason == anthropic.StopReasonMaxTokens {
				tr.line("[result] response hit the token limit")
			}
			break
		}
		messages = append(messages, anthropic.NewUserMessage(results...))

		if ctx.Err() != nil {
			tr.line("[result] interrupted")
			exitCode = 1
			break
		}
	}

	r.history = messages
	return &Result{
		Output:   tr.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

// startConversation returns the messages to send first. A continued run
// picks up the saved history; if that history already ends with a user
// turn it is resent as is.
func (r *APIRunner) startConversation(req Request) []anthropic.MessageParam {
	if !req.Continue || len(r.history) == 0 {
		return []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		}
	}
	messages := append([]anthropic.MessageParam(nil), r.history...)
	if messages[len(messages)-1].Role == anthropic.MessageParamRoleUser {
		return messages
	}
	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(continuePrompt)))
}

// describeAPIError renders an API failure so the rate-limit classifier can
// read it, including any retry-after header.
func describeAPIError(err error) string {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return "API error: " + err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "API error (status %d): %v", apiErr.StatusCode, err)
	if apiErr.Response != nil {
		if ra := apiErr.Response.Header.Get("retry-after"); ra != "" {
			fmt.Fprintf(&b, "\nretry-after: %s", ra)
		}
	}
	return b.String()
}

var _ Runner = (*APIRunner)(nil)
