package cmd

import (
	"fmt"
	"log/slog"

	"github.com/docent-ai/docent/internal/agent"
	"github.com/docent-ai/docent/internal/config"
	"github.com/docent-ai/docent/internal/history"
	"github.com/docent-ai/docent/internal/interaction"
	"github.com/docent-ai/docent/internal/knowledge"
	"github.com/docent-ai/docent/internal/log"
	"github.com/docent-ai/docent/internal/provider"
)

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) log.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return log.New(log.Config{Level: level, JSON: cfg.LogJSON})
}

// buildAgent assembles the provider client and agent from configuration.
func buildAgent(cfg *config.Config, logger log.Logger) (*agent.Agent, error) {
	client, err := provider.NewAnthropic(provider.AnthropicConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating provider client: %w", err)
	}

	systemPrompt, err := cfg.ResolveSystemPrompt()
	if err != nil {
		return nil, err
	}

	plugin := agent.Plugin{
		Name:           cfg.PluginName,
		Version:        cfg.PluginVersion,
		SystemPrompt:   systemPrompt,
		AllowedTools:   cfg.AllowedTools,
		KnowledgeLabel: cfg.KnowledgeLabel,
		History:        history.Config{MaxTurns: cfg.MaxTurns},
		Interactions: interaction.Config{
			Enabled: cfg.InteractionsEnabled,
			Path:    cfg.InteractionsPath,
		},
	}
	if cfg.KnowledgePath != "" {
		plugin.Knowledge = knowledge.FromFile(cfg.KnowledgePath)
	}

	a, err := agent.New(plugin, client, logger)
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return a, nil
}
