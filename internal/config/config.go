// Package config handles configuration loading and management for marathon.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/marathon/internal/ratelimit"
)

// ProjectConfigName is the per-project override file, searched upward from
// the working directory.
const ProjectConfigName = ".marathon.yaml"

// ErrUnknownKey is returned when getting or setting a key that has no default.
var ErrUnknownKey = errors.New("unknown config key")

// Backend names.
const (
	BackendCLI = "cli"
	BackendAPI = "api"
)

// Config holds all configuration for marathon.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Bedrock   BedrockConfig   `mapstructure:"bedrock"`
	Models    ModelsConfig    `mapstructure:"models"`
	Session   SessionConfig   `mapstructure:"session"`
	Delays    DelaysConfig    `mapstructure:"delays"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Gate      GateConfig      `mapstructure:"gate"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// BedrockConfig routes the API backend through AWS Bedrock.
type BedrockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// ModelsConfig selects models for the two kinds of session.
type ModelsConfig struct {
	// Default is used for every session unless Hybrid is set.
	Default string `mapstructure:"default"`
	// Hybrid uses Planning for the initializer session and Coding afterwards.
	Hybrid   bool   `mapstructure:"hybrid"`
	Planning string `mapstructure:"planning"`
	Coding   string `mapstructure:"coding"`
}

// SessionConfig controls how sessions are run.
type SessionConfig struct {
	Backend     string        `mapstructure:"backend"`
	MaxSessions int           `mapstructure:"max_sessions"`
	MaxTurns    int           `mapstructure:"max_turns"`
	ClaudePath  string        `mapstructure:"claude_path"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	MCPConfig   string        `mapstructure:"mcp_config"`
}

// DelaysConfig holds the fixed waits between sessions.
type DelaysConfig struct {
	InterSession   time.Duration `mapstructure:"inter_session"`
	FailureBackoff time.Duration `mapstructure:"failure_backoff"`
}

// RateLimitConfig controls rate-limit detection and waiting.
type RateLimitConfig struct {
	FallbackWait time.Duration `mapstructure:"fallback_wait"`
	WaitChunk    time.Duration `mapstructure:"wait_chunk"`
	Indicators   []string      `mapstructure:"indicators"`
	ScanTail     int           `mapstructure:"scan_tail"`
	MaxRetries   int           `mapstructure:"max_retries"`
	// MaxWait caps every rate-limit wait. Zero means no cap.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// PathsConfig locates project files. Relative paths resolve against the
// project directory, except PromptsDir which resolves against the working
// directory.
type PathsConfig struct {
	ProjectDir        string `mapstructure:"project_dir"`
	TaskList          string `mapstructure:"task_list"`
	ProgressLog       string `mapstructure:"progress_log"`
	PromptsDir        string `mapstructure:"prompts_dir"`
	InitializerPrompt string `mapstructure:"initializer_prompt"`
	CodingPrompt      string `mapstructure:"coding_prompt"`
}

// GateConfig configures the command gate.
type GateConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

// SessionModels returns the planning and coding models to use.
func (c *Config) SessionModels() (planning, coding string) {
	if c.Models.Hybrid {
		return c.Models.Planning, c.Models.Coding
	}
	return c.Models.Default, c.Models.Default
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case BackendCLI, BackendAPI:
	default:
		return fmt.Errorf("session.backend must be %q or %q, got %q", BackendCLI, BackendAPI, c.Session.Backend)
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must be >= 0, got %d", c.Session.MaxSessions)
	}
	if c.RateLimit.WaitChunk <= 0 {
		return fmt.Errorf("rate_limit.wait_chunk must be positive, got %v", c.RateLimit.WaitChunk)
	}
	if c.RateLimit.MaxWait < 0 {
		return fmt.Errorf("rate_limit.max_wait must not be negative, got %v", c.RateLimit.MaxWait)
	}
	if c.RateLimit.FallbackWait <= 0 {
		return fmt.Errorf("rate_limit.fallback_wait must be positive, got %v", c.RateLimit.FallbackWait)
	}
	if c.Delays.InterSession < 0 || c.Delays.FailureBackoff < 0 {
		return errors.New("delays must not be negative")
	}
	planning, coding := c.SessionModels()
	if planning == "" || coding == "" {
		return errors.New("a model must be configured for both planning and coding sessions")
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, MARATHON_*)
// 2. Project config (.marathon.yaml in current directory or parent)
// 3. User config (~/.config/marathon/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v, err := layered()
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func layered() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	v.SetEnvPrefix("MARATHON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("bedrock.region", "AWS_REGION")
	_ = v.BindEnv("bedrock.profile", "AWS_PROFILE")
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// Get returns the effective value of a dotted key.
func Get(key string) (any, error) {
	if !isKnownKey(key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	v, err := layered()
	if err != nil {
		return nil, err
	}
	return v.Get(key), nil
}

// Set writes a single key to the user config file, keeping other values.
func Set(key, value string) error {
	if !isKnownKey(key) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	dir := getUserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading user config: %w", err)
		}
	}
	if def := defaultsViper().Get(key); def != nil {
		if _, isList := def.([]string); isList {
			v.Set(key, splitList(value))
			return v.WriteConfigAs(path)
		}
	}
	v.Set(key, value)
	return v.WriteConfigAs(path)
}

// Keys lists every configurable key in sorted order.
func Keys() []string {
	keys := defaultsViper().AllKeys()
	sort.Strings(keys)
	return keys
}

// Save writes the given configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("bedrock.enabled", cfg.Bedrock.Enabled)
	v.Set("bedrock.region", cfg.Bedrock.Region)
	v.Set("bedrock.profile", cfg.Bedrock.Profile)
	v.Set("models.default", cfg.Models.Default)
	v.Set("models.hybrid", cfg.Models.Hybrid)
	v.Set("models.planning", cfg.Models.Planning)
	v.Set("models.coding", cfg.Models.Coding)
	v.Set("session.backend", cfg.Session.Backend)
	v.Set("session.max_sessions", cfg.Session.MaxSessions)
	v.Set("session.max_turns", cfg.Session.MaxTurns)
	v.Set("session.claude_path", cfg.Session.ClaudePath)
	v.Set("session.grace_period", cfg.Session.GracePeriod.String())
	v.Set("session.mcp_config", cfg.Session.MCPConfig)
	v.Set("delays.inter_session", cfg.Delays.InterSession.String())
	v.Set("delays.failure_backoff", cfg.Delays.FailureBackoff.String())
	v.Set("rate_limit.fallback_wait", cfg.RateLimit.FallbackWait.String())
	v.Set("rate_limit.wait_chunk", cfg.RateLimit.WaitChunk.String())
	v.Set("rate_limit.indicators", cfg.RateLimit.Indicators)
	v.Set("rate_limit.scan_tail", cfg.RateLimit.ScanTail)
	v.Set("rate_limit.max_retries", cfg.RateLimit.MaxRetries)
	v.Set("rate_limit.max_wait", cfg.RateLimit.MaxWait.String())
	v.Set("paths.project_dir", cfg.Paths.ProjectDir)
	v.Set("paths.task_list", cfg.Paths.TaskList)
	v.Set("paths.progress_log", cfg.Paths.ProgressLog)
	v.Set("paths.prompts_dir", cfg.Paths.PromptsDir)
	v.Set("paths.initializer_prompt", cfg.Paths.InitializerPrompt)
	v.Set("paths.coding_prompt", cfg.Paths.CodingPrompt)
	v.Set("gate.policy_file", cfg.Gate.PolicyFile)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")

	v.SetDefault("bedrock.enabled", d.Bedrock.Enabled)
	v.SetDefault("bedrock.region", d.Bedrock.Region)
	v.SetDefault("bedrock.profile", d.Bedrock.Profile)

	v.SetDefault("models.default", d.Models.Default)
	v.SetDefault("models.hybrid", d.Models.Hybrid)
	v.SetDefault("models.planning", d.Models.Planning)
	v.SetDefault("models.coding", d.Models.Coding)

	v.SetDefault("session.backend", d.Session.Backend)
	v.SetDefault("session.max_sessions", d.Session.MaxSessions)
	v.SetDefault("session.max_turns", d.Session.MaxTurns)
	v.SetDefault("session.claude_path", d.Session.ClaudePath)
	v.SetDefault("session.grace_period", d.Session.GracePeriod.String())
	v.SetDefault("session.mcp_config", d.Session.MCPConfig)

	v.SetDefault("delays.inter_session", d.Delays.InterSession.String())
	v.SetDefault("delays.failure_backoff", d.Delays.FailureBackoff.String())

	v.SetDefault("rate_limit.fallback_wait", d.RateLimit.FallbackWait.String())
	v.SetDefault("rate_limit.wait_chunk", d.RateLimit.WaitChunk.String())
	v.SetDefault("rate_limit.indicators", d.RateLimit.Indicators)
	v.SetDefault("rate_limit.scan_tail", d.RateLimit.ScanTail)
	v.SetDefault("rate_limit.max_retries", d.RateLimit.MaxRetries)
	v.SetDefault("rate_limit.max_wait", d.RateLimit.MaxWait.String())

	v.SetDefault("paths.project_dir", d.Paths.ProjectDir)
	v.SetDefault("paths.task_list", d.Paths.TaskList)
	v.SetDefault("paths.progress_log", d.Paths.ProgressLog)
	v.SetDefault("paths.prompts_dir", d.Paths.PromptsDir)
	v.SetDefault("paths.initializer_prompt", d.Paths.InitializerPrompt)
	v.SetDefault("paths.coding_prompt", d.Paths.CodingPrompt)

	v.SetDefault("gate.policy_file", d.Gate.PolicyFile)
}

func defaultsViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func isKnownKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range Keys() {
		if k == key {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getUserConfigDir returns the XDG config directory for marathon.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "marathon")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "marathon")
	}
	return filepath.Join(home, ".config", "marathon")
}

// findProjectConfig searches for .marathon.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Bedrock: BedrockConfig{
			Region: "us-east-1",
		},
		Models: ModelsConfig{
			Default:  "sonnet",
			Planning: "opus",
			Coding:   "sonnet",
		},
		Session: SessionConfig{
			Backend:     BackendCLI,
			MaxTurns:    1000,
			ClaudePath:  "claude",
			GracePeriod: 10 * time.Second,
		},
		Delays: DelaysConfig{
			InterSession:   3 * time.Second,
			FailureBackoff: 60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			FallbackWait: 24 * time.Hour,
			WaitChunk:    10 * time.Minute,
			Indicators:   append([]string(nil), ratelimit.DefaultIndicators...),
			ScanTail:     ratelimit.DefaultTail,
			MaxWait:      24 * time.Hour,
		},
		Paths: PathsConfig{
			ProjectDir:        filepath.Join("generations", "app"),
			TaskList:          "feature_list.json",
			ProgressLog:       "progress.log",
			PromptsDir:        "prompts",
			InitializerPrompt: "initializer_prompt.md",
			CodingPrompt:      "coding_prompt.md",
		},
	}
}
