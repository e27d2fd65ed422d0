package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// ErrNoAuth is returned when neither an API key nor a claude CLI login is found.
var ErrNoAuth = errors.New("no Anthropic credentials: set ANTHROPIC_API_KEY or run `claude login`")

// GetAPIKey returns the Anthropic API key, checking the environment first
// and then the configuration.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if cfg != nil {
		if key := expandedKey(cfg.Anthropic.APIKey); key != "" {
			return key, nil
		}
	}
	return "", ErrNoAPIKey
}

func expandedKey(raw string) string {
	if raw == "" {
		return ""
	}
	key := os.ExpandEnv(raw)
	if strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}

const (
	apiKeyPrefix    = "sk-ant-"
	minAPIKeyLength = 20
)

// ErrKeyFormat marks an API key that cannot be an Anthropic key.
var ErrKeyFormat = errors.New("invalid API key format")

// ValidateAPIKey checks the shape of a key. The key is not sent anywhere.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case !strings.HasPrefix(key, apiKeyPrefix):
		return fmt.Errorf("%w: missing %q prefix", ErrKeyFormat, apiKeyPrefix)
	case len(key) < minAPIKeyLength:
		return fmt.Errorf("%w: shorter than %d characters", ErrKeyFormat, minAPIKeyLength)
	}
	return nil
}

// MaskAPIKey hides all but the prefix and the last four characters.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 15:
		return "***"
	}
	return key[:len(apiKeyPrefix)] + "..." + key[len(key)-4:]
}

// KeySource names where credentials were found.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceCLI     KeySource = "claude_login"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKeySource reports which source GetAPIKey would use.
func GetAPIKeySource(cfg *Config) KeySource {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return KeySourceEnv
	}
	if cfg != nil && expandedKey(cfg.Anthropic.APIKey) != "" {
		return KeySourceConfig
	}
	return KeySourceNone
}

// HasClaudeLogin reports whether the claude CLI has stored credentials in
// the given home directory: a non-empty ~/.claude directory.
func HasClaudeLogin(home string) bool {
	entries, err := os.ReadDir(filepath.Join(home, ".claude"))
	return err == nil && len(entries) > 0
}

// CheckAuth finds usable credentials for the configured backend. The CLI
// backend accepts an API key or a claude login; the API backend needs an
// API key unless Bedrock is enabled.
func CheckAuth(cfg *Config, home string) (KeySource, error) {
	if cfg.Session.Backend == BackendAPI && cfg.Bedrock.Enabled {
		return KeySourceBedrock, nil
	}
	if src := GetAPIKeySource(cfg); src != KeySourceNone {
		return src, nil
	}
	if cfg.Session.Backend == BackendCLI && HasClaudeLogin(home) {
		return KeySourceCLI, nil
	}
	if cfg.Session.Backend == BackendAPI {
		return KeySourceNone, ErrNoAPIKey
	}
	return KeySourceNone, ErrNoAuth
}
