// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.docent/config.yaml or ./config.yaml)
//  3. Default values
//
// Security: the Anthropic API key is read from the ANTHROPIC_API_KEY
// environment variable only and is never written to the config file.
// Validation: range checks in Validate() return sentinel errors for
// errors.Is() checks.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the Anthropic API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModel indicates the model name is empty.
	ErrInvalidModel = errors.New("invalid model name")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidPort indicates the server port is out of range.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidMaxTurns indicates the history window is negative.
	ErrInvalidMaxTurns = errors.New("invalid max turns")

	// ErrInvalidSystemPrompt indicates both inline prompt and prompt file
	// were configured.
	ErrInvalidSystemPrompt = errors.New("invalid system prompt")
)

// Default model served when none is configured.
const DefaultModel = "claude-sonnet-4-0"

// Config stores application configuration.
type Config struct {
	// Server configuration (serve mode only)
	Port         int    `mapstructure:"port" json:"port"`
	BasePath     string `mapstructure:"base_path" json:"base_path"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" json:"max_body_bytes"`
	RateBurst    int    `mapstructure:"rate_burst" json:"rate_burst"`
	TrustProxy   bool   `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Plugin identity and instruction text. SystemPromptFile, when set,
	// is read at startup and takes precedence over SystemPrompt.
	PluginName       string `mapstructure:"plugin_name" json:"plugin_name"`
	PluginVersion    string `mapstructure:"plugin_version" json:"plugin_version"`
	SystemPrompt     string `mapstructure:"system_prompt" json:"system_prompt"`
	SystemPromptFile string `mapstructure:"system_prompt_file" json:"system_prompt_file"`

	// Knowledge source
	KnowledgePath  string `mapstructure:"knowledge_path" json:"knowledge_path"`
	KnowledgeLabel string `mapstructure:"knowledge_label" json:"knowledge_label"`

	// Conversation history window
	MaxTurns int `mapstructure:"max_turns" json:"max_turns"`

	// Interaction log
	InteractionsEnabled bool   `mapstructure:"interactions_enabled" json:"interactions_enabled"`
	InteractionsPath    string `mapstructure:"interactions_path" json:"interactions_path"`

	// Model provider configuration. APIKey comes from ANTHROPIC_API_KEY.
	Model          string `mapstructure:"model" json:"model"`
	MaxTokens      int    `mapstructure:"max_tokens" json:"max_tokens"`
	BaseURL        string `mapstructure:"base_url" json:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	APIKey         string `mapstructure:"api_key" json:"-"`

	// AllowedTools restricts invocable tool names. Empty means every
	// declared tool plus the built-in web tools.
	AllowedTools []string `mapstructure:"allowed_tools" json:"allowed_tools"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Timeout returns the provider HTTP timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	return load(filepath.Join(home, ".docent"), ".")
}

func load(searchPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("port", 8080)
	v.SetDefault("base_path", "/api/v1")
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("rate_burst", 60)
	v.SetDefault("trust_proxy", false)

	// Plugin defaults
	v.SetDefault("plugin_name", "docent")
	v.SetDefault("plugin_version", "0.1.0")

	// History defaults
	v.SetDefault("max_turns", 20)

	// Interaction log defaults
	v.SetDefault("interactions_enabled", false)
	v.SetDefault("interactions_path", "interactions.jsonl")

	// Provider defaults
	v.SetDefault("model", DefaultModel)
	v.SetDefault("max_tokens", 4096)
	v.SetDefault("timeout_seconds", 300)

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
}

// bindEnvVariables binds environment variable overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("api_key", "ANTHROPIC_API_KEY")
	mustBind("model", "DOCENT_MODEL")
	mustBind("base_url", "DOCENT_BASE_URL")
	mustBind("port", "DOCENT_PORT")
	mustBind("log_level", "DOCENT_LOG_LEVEL")
	mustBind("trust_proxy", "DOCENT_TRUST_PROXY")
	mustBind("interactions_enabled", "DOCENT_INTERACTIONS_ENABLED")
	mustBind("interactions_path", "DOCENT_INTERACTIONS_PATH")
	mustBind("knowledge_path", "DOCENT_KNOWLEDGE_PATH")
	mustBind("system_prompt_file", "DOCENT_SYSTEM_PROMPT_FILE")
}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.APIKey == "" {
		return fmt.Errorf("%w: ANTHROPIC_API_KEY environment variable is required", ErrMissingAPIKey)
	}

	if c.Model == "" {
		return fmt.Errorf("%w: model cannot be empty", ErrInvalidModel)
	}

	if c.MaxTokens < 1 || c.MaxTokens > 200000 {
		return fmt.Errorf("%w: must be between 1 and 200,000, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPort, c.Port)
	}

	if c.MaxTurns < 0 {
		return fmt.Errorf("%w: must not be negative, got %d", ErrInvalidMaxTurns, c.MaxTurns)
	}

	if c.SystemPrompt != "" && c.SystemPromptFile != "" {
		return fmt.Errorf("%w: set system_prompt or system_prompt_file, not both", ErrInvalidSystemPrompt)
	}

	return nil
}

// ResolveSystemPrompt returns the instruction text, reading
// SystemPromptFile when configured.
func (c *Config) ResolveSystemPrompt() (string, error) {
	if c.SystemPromptFile == "" {
		return c.SystemPrompt, nil
	}
	data, err := os.ReadFile(c.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("reading system prompt file: %w", err)
	}
	return string(data), nil
}
