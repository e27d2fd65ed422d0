package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/marathon/internal/config"
	iexec "github.com/ShayCichocki/marathon/internal/exec"
	"github.com/ShayCichocki/marathon/internal/gate"
	"github.com/ShayCichocki/marathon/internal/orchestrator"
	"github.com/ShayCichocki/marathon/internal/progress"
	"github.com/ShayCichocki/marathon/internal/prompts"
	"github.com/ShayCichocki/marathon/internal/ratelimit"
	"github.com/ShayCichocki/marathon/internal/session"
	"github.com/ShayCichocki/marathon/internal/state"
)

var (
	runProjectDir        string
	runMaxSessions       int
	runModel             string
	runHybrid            bool
	runPlanningModel     string
	runCodingModel       string
	runDelay             time.Duration
	runInitializerPrompt string
	runCodingPrompt      string
	runPromptsDir        string
	runSpecFile          string
	runBackend           string
	runPolicy            string
	runMaxTurns          int
)

// historyRetention bounds how long run history is kept.
const historyRetention = 90 * 24 * time.Hour

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sessions until every task passes",
	Long: `Run agent sessions back to back in the project directory.

The first session of a fresh project uses the initializer prompt to
create the task list; every other session uses the coding prompt. The
loop ends when every task passes, when --max-sessions is reached, or when
the run is stopped with Ctrl-C or 'marathon stop'.

Rate limits are waited out until the reset time the provider reports
(plus a safety margin) and the interrupted session is resumed. Failed
sessions back off and the loop moves on to a fresh session.

Backends:
  cli   Claude Code CLI (default). Shell commands are checked by the
        'marathon gate' hook installed in .claude_settings.json.
  api   Anthropic Messages API or AWS Bedrock with a local tool loop.
        Shell commands are checked before they run.

Hybrid mode (--hybrid) uses the planning model for the initializer
session and the coding model for the rest.

Exit status is 0 for completion, the session limit and operator stops,
and 1 for configuration or runtime errors.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runProjectDir, "project-dir", "", "Project directory (default generations/app)")
	f.IntVar(&runMaxSessions, "max-sessions", 0, "Stop after this many sessions (0 = until complete)")
	f.StringVar(&runModel, "model", "", "Model for every session")
	f.BoolVar(&runHybrid, "hybrid", false, "Use the planning model for the initializer and the coding model after")
	f.StringVar(&runPlanningModel, "planning-model", "", "Model for the initializer session in hybrid mode")
	f.StringVar(&runCodingModel, "coding-model", "", "Model for coding sessions in hybrid mode")
	f.DurationVar(&runDelay, "delay", 0, "Pause between successful sessions")
	f.StringVar(&runInitializerPrompt, "initializer-prompt", "", "Initializer prompt file")
	f.StringVar(&runCodingPrompt, "coding-prompt", "", "Coding prompt file")
	f.StringVar(&runPromptsDir, "prompts-dir", "", "Directory holding prompts and specs")
	f.StringVar(&runSpecFile, "spec-file", "", "Spec to copy into the project as app_spec.txt")
	f.StringVar(&runBackend, "backend", "", "Session backend: cli or api")
	f.StringVar(&runPolicy, "policy", "", "Command policy file")
	f.IntVar(&runMaxTurns, "max-turns", 0, "Agent turns per session")
}

// applyRunFlags overrides configuration with the flags that were given.
func applyRunFlags(cfg *config.Config, changed func(name string) bool) {
	if changed("project-dir") {
		cfg.Paths.ProjectDir = runProjectDir
	}
	if changed("max-sessions") {
		cfg.Session.MaxSessions = runMaxSessions
	}
	if changed("model") {
		cfg.Models.Default = runModel
	}
	if changed("hybrid") {
		cfg.Models.Hybrid = runHybrid
	}
	if changed("planning-model") {
		cfg.Models.Planning = runPlanningModel
		cfg.Models.Hybrid = true
	}
	if changed("coding-model") {
		cfg.Models.Coding = runCodingModel
		cfg.Models.Hybrid = true
	}
	if changed("delay") {
		cfg.Delays.InterSession = runDelay
	}
	if changed("initializer-prompt") {
		cfg.Paths.InitializerPrompt = runInitializerPrompt
	}
	if changed("coding-prompt") {
		cfg.Paths.CodingPrompt = runCodingPrompt
	}
	if changed("prompts-dir") {
		cfg.Paths.PromptsDir = runPromptsDir
	}
	if changed("backend") {
		cfg.Session.Backend = runBackend
	}
	if changed("policy") {
		cfg.Gate.PolicyFile = runPolicy
	}
	if changed("max-turns") {
		cfg.Session.MaxTurns = runMaxTurns
	}
}

// loopPolicy converts configuration into the orchestrator's policy.
func loopPolicy(cfg *config.Config) orchestrator.Policy {
	return orchestrator.Policy{
		MaxSessions:         cfg.Session.MaxSessions,
		InterSessionDelay:   cfg.Delays.InterSession,
		FailureBackoff:      cfg.Delays.FailureBackoff,
		FallbackWait:        cfg.RateLimit.FallbackWait,
		WaitChunk:           cfg.RateLimit.WaitChunk,
		MaxRateLimitRetries: cfg.RateLimit.MaxRetries,
		MaxWait:             cfg.RateLimit.MaxWait,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlags(cfg, cmd.Flags().Changed)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	projectDir, err := projectDirFor("", cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}

	home, _ := os.UserHomeDir()
	if _, err := config.CheckAuth(cfg, home); err != nil {
		printStatus("✗", "No usable credentials", color.FgRed)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dest, err := prompts.CopySpec(cfg.Paths.PromptsDir, projectDir, runSpecFile)
	if err != nil {
		return err
	}
	if dest != "" {
		printStatus("✓", "Copied spec to "+dest, color.FgGreen)
	}

	policyPath, err := policyPathFor(cfg.Gate.PolicyFile, projectDir)
	if err != nil {
		return err
	}
	g, err := gate.Load(policyPath)
	if err != nil {
		return fmt.Errorf("load command policy: %w", err)
	}
	runDir, frozenPolicy, err := freezePolicy(g)
	if err != nil {
		return err
	}
	defer os.RemoveAll(runDir)

	logger := orchestrator.NewDebugLoggerForProject(projectDir)
	defer logger.Close()

	runner, err := newSessionRunner(ctx, cfg, projectDir, runDir, frozenPolicy, g, logger)
	if err != nil {
		printStatus("✗", "Agent runtime unavailable", color.FgRed)
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithPolicy(loopPolicy(cfg)),
		orchestrator.WithClassifier(ratelimit.NewSubstringClassifier(cfg.RateLimit.Indicators, cfg.RateLimit.ScanTail)),
		orchestrator.WithScanTail(cfg.RateLimit.ScanTail),
		orchestrator.WithLogger(logger),
		orchestrator.WithOutput(os.Stdout),
	}

	db, err := state.OpenProject(projectDir)
	if err != nil {
		log.Printf("[run] history disabled: %v", err)
	} else {
		defer db.Close()
		if n, err := db.PurgeOldRuns(historyRetention); err != nil {
			log.Printf("[run] purge history: %v", err)
		} else if n > 0 {
			logger.Log("[run] purged %d runs older than %s", n, historyRetention)
		}
		opts = append(opts, orchestrator.WithHistory(db, cfg.Session.Backend))
	}

	stopSignal, err := orchestrator.NewStopSignal(projectDir)
	if err != nil {
		log.Printf("[run] stop file disabled: %v", err)
	} else {
		opts = append(opts, orchestrator.WithStopSignal(stopSignal))
	}

	planning, coding := cfg.SessionModels()
	o, err := orchestrator.New(orchestrator.RequiredConfig{
		ProjectDir: projectDir,
		Runner:     runner,
		Prompts: prompts.Files{
			Dir:         cfg.Paths.PromptsDir,
			Initializer: cfg.Paths.InitializerPrompt,
			Coding:      cfg.Paths.CodingPrompt,
		},
		Progress: progress.ForProject(projectDir, cfg.Paths.TaskList),
		Models:   orchestrator.Models{Planning: planning, Coding: coding},
	}, opts...)
	if err != nil {
		return err
	}

	_, err = o.Run(ctx)
	return err
}

// freezePolicy writes the loaded rules into a new private directory outside
// the project. The gate hook reads this copy for the whole run, so the
// agent cannot change its own allowlist by editing the project's policy
// file. The caller removes the directory when the run ends.
func freezePolicy(g *gate.Gate) (dir, path string, err error) {
	data, err := gate.Policy{Rules: g.Rules()}.Marshal()
	if err != nil {
		return "", "", fmt.Errorf("marshal command policy: %w", err)
	}
	dir, err = os.MkdirTemp("", "marathon-run-")
	if err != nil {
		return "", "", fmt.Errorf("create run directory: %w", err)
	}
	path = filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, data, 0400); err != nil {
		os.RemoveAll(dir)
		return "", "", fmt.Errorf("write command policy: %w", err)
	}
	return dir, path, nil
}

// newSessionRunner builds the runner for the configured backend. Agent
// settings for the CLI backend live in runDir, outside the project.
func newSessionRunner(ctx context.Context, cfg *config.Config, projectDir, runDir, policyPath string,
	g *gate.Gate, logger *orchestrator.DebugLogger) (session.Runner, error) {
	common := []session.Option{
		session.WithProgressLog(inProject(projectDir, cfg.Paths.ProgressLog)),
		session.WithEcho(os.Stdout),
		session.WithLogger(logger),
		session.WithMaxTurns(cfg.Session.MaxTurns),
	}

	if cfg.Session.Backend == config.BackendAPI {
		key, _ := config.GetAPIKey(cfg)
		runner := iexec.NewGatedRunner(iexec.NewRunner(), g)
		r, err := session.NewAPIRunner(ctx, projectDir, session.APIConfig{
			APIKey:  key,
			Bedrock: cfg.Bedrock.Enabled,
			Region:  cfg.Bedrock.Region,
			Profile: cfg.Bedrock.Profile,
		}, runner, common...)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate marathon executable for the gate hook: %w", err)
	}
	settings := session.NewSettings(session.HookCommand(exe, policyPath), nil)
	r := session.NewCLIRunner(projectDir, append(common,
		session.WithClaudePath(cfg.Session.ClaudePath),
		session.WithMCPConfig(cfg.Session.MCPConfig),
		session.WithGracePeriod(cfg.Session.GracePeriod),
		session.WithSettings(settings),
		session.WithSettingsDir(runDir),
	)...)
	if err := r.Check(); err != nil {
		return nil, err
	}
	return r, nil
}
