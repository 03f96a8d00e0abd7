package agent

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docent-ai/docent/internal/history"
	"github.com/docent-ai/docent/internal/hook"
	"github.com/docent-ai/docent/internal/interaction"
	"github.com/docent-ai/docent/internal/knowledge"
	"github.com/docent-ai/docent/internal/log"
	"github.com/docent-ai/docent/internal/provider"
)

// step is one scripted provider emission.
type step struct {
	ev  provider.Event
	err error
}

// fakeClient replays a fixed script and records each request it sees.
type fakeClient struct {
	script []step

	mu       sync.Mutex
	calls    int
	requests []provider.Request
}

func (f *fakeClient) Query(_ context.Context, req provider.Request) iter.Seq2[provider.Event, error] {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return func(yield func(provider.Event, error) bool) {
		for _, s := range f.script {
			if !yield(s.ev, s.err) {
				return
			}
		}
	}
}

func successScript(text string) []step {
	return []step{
		{ev: provider.TextDelta{Text: text}},
		{ev: provider.AssistantMessage{Blocks: []provider.ContentBlock{
			provider.TextBlock{Text: text},
		}}},
		{ev: provider.Result{
			Subtype: provider.ResultSuccess,
			Usage:   &provider.Usage{InputTokens: 10, OutputTokens: 5},
			Summary: text,
		}},
	}
}

func newTestAgent(t *testing.T, plugin Plugin, client provider.Client) *Agent {
	t.Helper()
	a, err := New(plugin, client, log.NewNop())
	require.NoError(t, err)
	return a
}

func readLogLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestAsk_Success(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{Name: "support"}, client)

	res, err := a.Ask(context.Background(), Input{Prompt: "  hi  "})
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Response)
	assert.True(t, res.Streamed)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 10, res.Usage.InputTokens)

	require.Len(t, client.requests, 1)
	assert.Equal(t, "hi", client.requests[0].Prompt, "prompt must be trimmed")
	assert.Equal(t, DefaultPermissionMode, client.requests[0].PermissionMode)
}

func TestAsk_EmptyPrompt(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	a := newTestAgent(t, Plugin{}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "   "})
	require.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Zero(t, client.calls)
}

func TestStream_EventOrder(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{}, client)

	var kinds []Kind
	_, err := a.Stream(context.Background(), Input{Prompt: "hi"}, func(_ context.Context, ev Event) error {
		kinds = append(kinds, ev.Kind())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []Kind{
		KindStart,
		KindAssistantText,
		KindAssistantText,
		KindResult,
	}, kinds)
}

func TestStream_ToolUseDedupAcrossPaths(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: []step{
		{ev: provider.ToolUseStart{ID: "toolu_1", Name: "lookup"}},
		{ev: provider.AssistantMessage{Blocks: []provider.ContentBlock{
			provider.ToolUseBlock{ID: "toolu_1", Name: "lookup"},
		}}},
		{ev: provider.ToolResultMessage{ToolUseID: "toolu_1", Output: "ok"}},
		{ev: provider.AssistantMessage{Blocks: []provider.ContentBlock{
			provider.TextBlock{Text: "answer"},
		}}},
		{ev: provider.Result{Subtype: provider.ResultSuccess, Summary: "answer"}},
	}}
	a := newTestAgent(t, Plugin{}, client)

	var starts, ends int
	res, err := a.Stream(context.Background(), Input{Prompt: "hi"}, func(_ context.Context, ev Event) error {
		if tu, ok := ev.(ToolUse); ok {
			switch tu.Stage {
			case StageStart:
				starts++
			case StageEnd:
				ends++
			}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, starts, "duplicate tool-use announcements must collapse")
	assert.Equal(t, 1, ends)
	assert.Equal(t, "answer", res.Response)
}

func TestStream_PreQueryReject(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "interactions.jsonl")
	client := &fakeClient{script: successScript("unused")}
	a := newTestAgent(t, Plugin{
		Interactions: interaction.Config{Enabled: true, Path: logPath},
		Hooks: hook.Set{
			PreQuery: func(_ context.Context, _ string, _ hook.Context) (hook.PreQueryResult, error) {
				return hook.Reject(), nil
			},
		},
	}, client)

	_, err := a.Stream(context.Background(), Input{Prompt: "blocked"}, nil)
	require.ErrorIs(t, err, ErrQueryRejected)
	assert.Zero(t, client.calls, "rejection must not reach the provider")

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"success":false`)
	assert.Contains(t, lines[0], `"userPrompt":"blocked"`)
}

func TestStream_StartPrecedesRejection(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	a := newTestAgent(t, Plugin{
		Hooks: hook.Set{
			PreQuery: func(_ context.Context, _ string, _ hook.Context) (hook.PreQueryResult, error) {
				return hook.Reject(), nil
			},
		},
	}, client)

	var kinds []Kind
	_, err := a.Stream(context.Background(), Input{Prompt: "blocked"}, func(_ context.Context, ev Event) error {
		kinds = append(kinds, ev.Kind())
		return nil
	})
	require.ErrorIs(t, err, ErrQueryRejected)
	assert.Equal(t, []Kind{KindStart}, kinds,
		"listeners must see the stream open before the rejection")
}

func TestStream_StartPrecedesInitFailure(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	a := newTestAgent(t, Plugin{
		SystemPromptFunc: func(_ context.Context) (string, error) {
			return "", errors.New("template store unavailable")
		},
	}, client)

	var kinds []Kind
	_, err := a.Stream(context.Background(), Input{Prompt: "hi"}, func(_ context.Context, ev Event) error {
		kinds = append(kinds, ev.Kind())
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, []Kind{KindStart}, kinds)
}

func TestStream_PreQueryRewrite(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: successScript("ok")}
	a := newTestAgent(t, Plugin{
		Hooks: hook.Set{
			PreQuery: func(_ context.Context, prompt string, _ hook.Context) (hook.PreQueryResult, error) {
				return hook.Accept("rewritten: " + prompt), nil
			},
		},
	}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "original"})
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	assert.Equal(t, "rewritten: original", client.requests[0].Prompt)
}

func TestStream_PostResponseReplace(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "interactions.jsonl")
	client := &fakeClient{script: successScript("raw")}
	a := newTestAgent(t, Plugin{
		Interactions: interaction.Config{Enabled: true, Path: logPath},
		Hooks: hook.Set{
			PostResponse: func(_ context.Context, response string, _ hook.Context) (hook.PostResponseResult, error) {
				return hook.Replace("[redacted] " + response), nil
			},
		},
	}, client)

	res, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "[redacted] raw", res.Response)

	// The log is written before the post-response hook runs and records
	// the model's own text.
	lines := readLogLines(t, logPath)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"assistantResponse":"raw"`)
}

func TestStream_HooksRunAfterDisconnect(t *testing.T) {
	t.Parallel()

	// Cancellation observed only after the terminal provider event must
	// not stop the post-response hook, and the hook's context must not be
	// the cancelled one.
	var hookCtxErr error
	hookRan := false

	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{
		Hooks: hook.Set{
			PostResponse: func(ctx context.Context, _ string, _ hook.Context) (hook.PostResponseResult, error) {
				hookRan = true
				hookCtxErr = ctx.Err()
				return hook.Unchanged(), nil
			},
		},
	}, client)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := a.Stream(ctx, Input{Prompt: "hi"}, func(_ context.Context, ev Event) error {
		if ev.Kind() == KindResult {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	assert.True(t, hookRan)
	assert.NoError(t, hookCtxErr)
	assert.Equal(t, "hello", res.Response)
}

func TestStream_PostResponseErrorPropagates(t *testing.T) {
	t.Parallel()

	hookErr := errors.New("audit store down")
	client := &fakeClient{script: successScript("ok")}
	a := newTestAgent(t, Plugin{
		Hooks: hook.Set{
			PostResponse: func(_ context.Context, _ string, _ hook.Context) (hook.PostResponseResult, error) {
				return hook.Unchanged(), hookErr
			},
		},
	}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.ErrorIs(t, err, hookErr)
}

func TestStream_EscalationFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: successScript("fine")}
	a := newTestAgent(t, Plugin{
		Hooks: hook.Set{
			Escalate: func(_ context.Context, _ hook.Context, _ string) (bool, error) {
				return false, errors.New("pager unreachable")
			},
		},
	}, client)

	res, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Response)
}

func TestStream_ExecutionFailed(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "interactions.jsonl")
	client := &fakeClient{script: []step{
		{ev: provider.Result{Subtype: "error_during_execution", IsError: true, Summary: "overloaded"}},
	}}
	a := newTestAgent(t, Plugin{
		Interactions: interaction.Config{Enabled: true, Path: logPath},
	}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.ErrorIs(t, err, ErrExecutionFailed)

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 1, "failure must be logged exactly once")
	assert.Contains(t, lines[0], `"success":false`)
}

func TestStream_IterationErrorLoggedOnce(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "interactions.jsonl")
	client := &fakeClient{script: []step{
		{ev: provider.TextDelta{Text: "par"}},
		{err: errors.New("connection reset")},
	}}
	a := newTestAgent(t, Plugin{
		Interactions: interaction.Config{Enabled: true, Path: logPath},
	}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "connection reset")
}

func TestStream_CancellationLogsPartial(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "interactions.jsonl")
	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{
		Interactions: interaction.Config{Enabled: true, Path: logPath},
	}, client)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := a.Stream(ctx, Input{Prompt: "hi"}, func(_ context.Context, ev Event) error {
		if ev.Kind() == KindAssistantText {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"assistantResponse":"hello"`)
	assert.Contains(t, lines[0], `"success":false`)
	assert.NotContains(t, lines[0], `"error"`, "cancellation is not a model failure")
}

func TestStream_DisabledLoggingWritesNothing(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "interactions.jsonl")
	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{
		Interactions: interaction.Config{Enabled: false, Path: logPath},
	}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)

	// Failure paths must not write either.
	failing := &fakeClient{script: []step{
		{ev: provider.Result{Subtype: "error_during_execution", IsError: true}},
	}}
	b := newTestAgent(t, Plugin{
		Interactions: interaction.Config{Enabled: false, Path: logPath},
	}, failing)
	_, err = b.Ask(context.Background(), Input{Prompt: "hi"})
	require.ErrorIs(t, err, ErrExecutionFailed)

	_, statErr := os.Stat(logPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStream_SuccessLogsOnce(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "interactions.jsonl")
	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{
		Interactions: interaction.Config{Enabled: true, Path: logPath},
		Metadata:     map[string]any{"plugin": "support"},
	}, client)

	_, err := a.Ask(context.Background(), Input{
		Prompt:  "hi",
		History: []history.Turn{{Role: history.RoleUser, Content: "earlier"}},
	})
	require.NoError(t, err)

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"success":true`)
	assert.Contains(t, lines[0], `"plugin":"support"`)
	assert.Contains(t, lines[0], `"earlier"`)
}

func TestStream_KnowledgeFailureProceeds(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{
		SystemPrompt: "You are helpful.",
		Knowledge:    knowledge.FromFile(filepath.Join(t.TempDir(), "missing.md")),
	}, client)

	res, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err, "knowledge load failure must not abort the query")
	assert.Equal(t, "hello", res.Response)

	require.Len(t, client.requests, 1)
	assert.Equal(t, "You are helpful.", client.requests[0].SystemPrompt)
}

func TestStream_SystemPromptWithKnowledge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	kbPath := filepath.Join(dir, "kb.md")
	require.NoError(t, os.WriteFile(kbPath, []byte("Return policy: 30 days."), 0o644))

	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{
		SystemPrompt:   "You are helpful.",
		Knowledge:      knowledge.FromFile(kbPath),
		KnowledgeLabel: "Store Policies",
	}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)

	got := client.requests[0].SystemPrompt
	assert.Equal(t, "You are helpful.\n\n## Store Policies\n\nReturn policy: 30 days.\n", got)
}

func TestStream_SystemPromptFuncFailureSticks(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{
		SystemPromptFunc: func(_ context.Context) (string, error) {
			return "", errors.New("template store unavailable")
		},
	}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.Error(t, err)

	// The failure is memoized; a second query does not retry.
	_, err2 := a.Ask(context.Background(), Input{Prompt: "hi again"})
	require.Error(t, err2)
	assert.Zero(t, client.calls)
}

func TestStream_ResponseFallsBackToResultText(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: []step{
		{ev: provider.Result{Subtype: provider.ResultSuccess, Summary: "summary only"}},
	}}
	a := newTestAgent(t, Plugin{}, client)

	res, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "summary only", res.Response)
	assert.False(t, res.Streamed)
}

func TestStream_HistoryInPrompt(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{}, client)

	_, err := a.Ask(context.Background(), Input{
		Prompt: "and now?",
		History: []history.Turn{
			{Role: history.RoleUser, Content: "first"},
			{Role: history.RoleAssistant, Content: "second"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "User: first\n\nAgent: second\n\nUser: and now?", client.requests[0].Prompt)
}

func TestStream_DefaultWebToolsAllowed(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{}, client)

	_, err := a.Ask(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	assert.Equal(t, []string{provider.WebSearchToolName, provider.WebFetchToolName},
		client.requests[0].AllowedTools,
		"a plugin without declared tools still allows the web tools")
}

func TestStream_ConcurrentQueries(t *testing.T) {
	t.Parallel()

	var promptCalls atomic.Int32
	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{
		SystemPromptFunc: func(_ context.Context) (string, error) {
			promptCalls.Add(1)
			return "You are helpful.", nil
		},
	}, client)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	responses := make([]string, workers)
	kinds := make([][]Kind, workers)

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Stream(context.Background(), Input{Prompt: "hi"}, func(_ context.Context, ev Event) error {
				kinds[i] = append(kinds[i], ev.Kind())
				return nil
			})
			errs[i] = err
			if res != nil {
				responses[i] = res.Response
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), promptCalls.Load(), "initialization must run exactly once")
	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, "hello", responses[i])
		assert.Equal(t, []Kind{
			KindStart,
			KindAssistantText,
			KindAssistantText,
			KindResult,
		}, kinds[i])
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.requests, workers)
	for _, req := range client.requests {
		assert.Equal(t, "You are helpful.", req.SystemPrompt)
	}
}

func TestStream_CallbackErrorAborts(t *testing.T) {
	t.Parallel()

	cbErr := errors.New("client gone")
	client := &fakeClient{script: successScript("hello")}
	a := newTestAgent(t, Plugin{}, client)

	_, err := a.Stream(context.Background(), Input{Prompt: "hi"}, func(_ context.Context, ev Event) error {
		if ev.Kind() == KindAssistantText {
			return cbErr
		}
		return nil
	})
	require.ErrorIs(t, err, cbErr)
}
