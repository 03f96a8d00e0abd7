package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docent-ai/docent/internal/agent"
	"github.com/docent-ai/docent/internal/config"
)

// runAsk runs a one-shot query, printing streamed text as it arrives.
func runAsk(args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return errors.New("usage: docent ask <question>")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg)
	a, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}

	var streamed bool
	res, err := a.Stream(ctx, agent.Input{Prompt: question}, func(_ context.Context, ev agent.Event) error {
		if txt, ok := ev.(agent.AssistantText); ok && txt.Mode == agent.ModeDelta {
			streamed = true
			fmt.Print(txt.Text)
		}
		return nil
	})
	if err != nil {
		if streamed {
			fmt.Println()
		}
		return err
	}

	if streamed {
		fmt.Println()
	} else {
		fmt.Println(res.Response)
	}
	return nil
}
