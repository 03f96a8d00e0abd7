// Package agent orchestrates one conversational query against the remote
// model: prompt assembly, hook mediation, event normalization and
// interaction logging.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/docent-ai/docent/internal/history"
	"github.com/docent-ai/docent/internal/hook"
	"github.com/docent-ai/docent/internal/interaction"
	"github.com/docent-ai/docent/internal/knowledge"
	"github.com/docent-ai/docent/internal/log"
	"github.com/docent-ai/docent/internal/provider"
	"github.com/docent-ai/docent/internal/tool"
)

// DefaultPermissionMode lets the plugin's declared tools run without
// per-call confirmation.
const DefaultPermissionMode = "bypassPermissions"

// Plugin is the operator-facing configuration of one answer service.
type Plugin struct {
	Name    string
	Version string

	// SystemPrompt is the base instruction text. SystemPromptFunc, when
	// set, takes precedence and is resolved once on first use.
	SystemPrompt     string
	SystemPromptFunc func(ctx context.Context) (string, error)

	// Tools are the callable tools exposed to the model.
	Tools []tool.Definition
	// AllowedTools restricts invocable tool names. Empty means every
	// declared tool plus the provider's built-in web tools.
	AllowedTools []string

	// Knowledge is prepended to the system prompt under KnowledgeLabel.
	Knowledge      knowledge.Source
	KnowledgeLabel string

	History      history.Config
	Interactions interaction.Config
	Hooks        hook.Set

	// Metadata is attached to every interaction log entry.
	Metadata map[string]any

	// PermissionMode overrides DefaultPermissionMode when set.
	PermissionMode string
}

// Input is one query against a configured agent.
type Input struct {
	Prompt   string         `json:"prompt"`
	History  []history.Turn `json:"history,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the final outcome of a successful query.
type Result struct {
	Response string
	Streamed bool
	CostUSD  *float64
	Usage    *provider.Usage
}

// Callback receives each normalized event as it happens. Returning an
// error aborts the query.
type Callback func(ctx context.Context, ev Event) error

// Agent executes queries for one plugin. Safe for concurrent use.
type Agent struct {
	plugin   Plugin
	client   provider.Client
	logger   log.Logger
	recorder *interaction.Logger

	initOnce     sync.Once
	initErr      error
	systemPrompt string
	toolServer   *mcp.Server
	allowed      []string
}

// New builds an agent for the given plugin. The system prompt and tool
// server are resolved lazily on first query.
func New(plugin Plugin, client provider.Client, logger log.Logger) (*Agent, error) {
	if client == nil {
		return nil, errors.New("agent: provider client is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	if plugin.Name == "" {
		plugin.Name = "docent"
	}
	if plugin.PermissionMode == "" {
		plugin.PermissionMode = DefaultPermissionMode
	}
	if plugin.Interactions.Metadata == nil {
		plugin.Interactions.Metadata = plugin.Metadata
	}
	return &Agent{
		plugin:   plugin,
		client:   client,
		logger:   logger,
		recorder: interaction.NewLogger(plugin.Interactions, logger),
	}, nil
}

// init resolves the system prompt and tool server exactly once. Knowledge
// load failures degrade to a warning; a failing SystemPromptFunc or tool
// registration is fatal and sticks for every subsequent query.
func (a *Agent) init(ctx context.Context) error {
	a.initOnce.Do(func() {
		base := a.plugin.SystemPrompt
		if a.plugin.SystemPromptFunc != nil {
			resolved, err := a.plugin.SystemPromptFunc(ctx)
			if err != nil {
				a.initErr = fmt.Errorf("resolve system prompt: %w", err)
				return
			}
			base = resolved
		}
		prompt := strings.TrimSpace(base)

		if !a.plugin.Knowledge.IsZero() {
			label := a.plugin.KnowledgeLabel
			if label == "" {
				label = knowledge.DefaultLabel
			}
			text := knowledge.Load(ctx, a.plugin.Knowledge, a.logger)
			prompt += knowledge.Format(text, label)
		}
		a.systemPrompt = prompt

		if len(a.plugin.Tools) > 0 {
			srv, err := tool.NewServer(a.plugin.Name, a.plugin.Version, a.plugin.Tools)
			if err != nil {
				a.initErr = fmt.Errorf("register tools: %w", err)
				return
			}
			a.toolServer = srv
		}

		a.allowed = a.plugin.AllowedTools
		if len(a.allowed) == 0 {
			a.allowed = append(tool.Names(a.plugin.Tools),
				provider.WebSearchToolName, provider.WebFetchToolName)
		}
	})
	return a.initErr
}

// Ask runs one query to completion and returns the final result.
func (a *Agent) Ask(ctx context.Context, in Input) (*Result, error) {
	return a.Stream(ctx, in, nil)
}

// Stream runs one query, delivering each normalized event to cb as it
// happens. A nil cb discards events. Exactly one interaction log entry is
// written per call, on success and on every failure path alike.
func (a *Agent) Stream(ctx context.Context, in Input, cb Callback) (*Result, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	turns := history.Sanitize(in.History, a.plugin.History.MaxTurns)

	var logged bool
	logOnce := func(entry interaction.Entry) {
		if logged {
			return
		}
		logged = true
		entry.Timestamp = time.Now().UTC()
		entry.History = turns
		entry.Metadata = in.Metadata
		a.recorder.Append(entry)
	}

	emit := func(ev Event) error {
		if cb == nil {
			return nil
		}
		return cb(ctx, ev)
	}

	st := newRunState()

	// Guarantee a single log write even if a callback or hook panics.
	defer func() {
		logOnce(interaction.Entry{
			UserPrompt:        prompt,
			AssistantResponse: st.partialText(),
			Error:             "aborted",
		})
	}()

	// The accepted query opens with a start event before any prompt
	// resolution or hook runs, so listeners see it even when one of
	// those steps rejects or fails.
	if err := emit(Start{}); err != nil {
		logOnce(interaction.Entry{UserPrompt: prompt, Error: err.Error()})
		return nil, err
	}

	if err := a.init(ctx); err != nil {
		logOnce(interaction.Entry{UserPrompt: prompt, Error: err.Error()})
		return nil, err
	}

	hctx := hook.Context{Prompt: prompt, History: turns, Metadata: in.Metadata}

	if a.plugin.Hooks.PreQuery != nil {
		res, err := a.plugin.Hooks.PreQuery(ctx, prompt, hctx)
		if err != nil {
			logOnce(interaction.Entry{UserPrompt: prompt, Error: err.Error()})
			return nil, fmt.Errorf("pre-query hook: %w", err)
		}
		if res.Rejected() {
			a.logger.Info("query rejected by pre-query hook")
			logOnce(interaction.Entry{UserPrompt: prompt, Error: ErrQueryRejected.Error()})
			return nil, ErrQueryRejected
		}
		if p := strings.TrimSpace(res.Prompt()); p != "" {
			prompt = p
			hctx.Prompt = p
		}
	}

	req := provider.Request{
		Prompt:         history.BuildPrompt(turns, prompt),
		SystemPrompt:   a.systemPrompt,
		PermissionMode: a.plugin.PermissionMode,
		AllowedTools:   a.allowed,
		Tools:          a.plugin.Tools,
	}
	if a.toolServer != nil {
		req.ToolServers = map[string]*mcp.Server{a.plugin.Name: a.toolServer}
	}

	for pev, err := range a.client.Query(ctx, req) {
		if cerr := ctx.Err(); cerr != nil {
			// Cancellation is not a model failure: record the partial
			// text without an error annotation.
			logOnce(interaction.Entry{
				UserPrompt:        prompt,
				AssistantResponse: st.partialText(),
			})
			return nil, cerr
		}
		if err != nil {
			a.logger.Error("provider stream failed", "error", err)
			logOnce(interaction.Entry{UserPrompt: prompt, Error: err.Error()})
			return nil, fmt.Errorf("provider stream: %w", err)
		}
		for _, ev := range st.normalize(pev) {
			if eerr := emit(ev); eerr != nil {
				logOnce(interaction.Entry{UserPrompt: prompt, Error: eerr.Error()})
				return nil, eerr
			}
		}
	}

	if st.isError {
		a.logger.Error("execution failed", "result", st.resultText)
		logOnce(interaction.Entry{UserPrompt: prompt, Error: ErrExecutionFailed.Error()})
		return nil, fmt.Errorf("%w: %s", ErrExecutionFailed, st.resultText)
	}

	response := st.response
	if response == "" {
		response = st.resultText
	}

	logOnce(interaction.Entry{
		UserPrompt:        prompt,
		AssistantResponse: response,
		Success:           true,
	})

	// Post-response and escalation hooks run after the log write, and
	// still run when the downstream transport has already disconnected.
	hookCtx := context.WithoutCancel(ctx)

	if a.plugin.Hooks.PostResponse != nil {
		res, err := a.plugin.Hooks.PostResponse(hookCtx, response, hctx)
		if err != nil {
			return nil, fmt.Errorf("post-response hook: %w", err)
		}
		response = res.Apply(response)
	}

	if a.plugin.Hooks.Escalate != nil {
		escalated, err := a.plugin.Hooks.Escalate(hookCtx, hctx, response)
		if err != nil {
			a.logger.Warn("escalation hook failed", "error", err)
		} else if escalated {
			a.logger.Warn("query escalated", "prompt", prompt)
		}
	}

	return &Result{
		Response: response,
		Streamed: st.streamed,
		CostUSD:  st.costUSD,
		Usage:    st.usage,
	}, nil
}
