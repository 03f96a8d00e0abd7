package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/docent-ai/docent/internal/log"
	"github.com/docent-ai/docent/internal/tool"
)

// Names of the web-access capabilities the provider executes on its side.
// They take part in allow-list resolution like declared tool names.
const (
	WebSearchToolName = "web_search"
	WebFetchToolName  = "web_fetch"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"

	// maxToolTurns bounds the model/tool round-trips of one invocation.
	maxToolTurns = 8
)

// errStopIteration signals that the event consumer stopped taking events.
var errStopIteration = errors.New("provider: consumer stopped")

// AnthropicConfig configures the Anthropic Messages API client.
type AnthropicConfig struct {
	BaseURL   string        // default https://api.anthropic.com/v1
	APIKey    string        // required
	Model     string        // required, e.g. "claude-sonnet-4-5"
	MaxTokens int           // default 4096
	Timeout   time.Duration // per-HTTP-request; zero means no client timeout
}

// Anthropic invokes the Anthropic Messages API with streaming enabled and
// drives the tool loop: tool calls requested by the model are executed
// through MCP client sessions connected to the request's tool servers over
// in-memory transports, and their results are fed back until the model
// stops asking for tools.
type Anthropic struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
	logger    log.Logger
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(cfg AnthropicConfig, logger log.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("provider: model is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
	}, nil
}

// Query implements Client.
func (c *Anthropic) Query(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		sessions, err := c.connectToolServers(ctx, req.ToolServers)
		if err != nil {
			yield(nil, err)
			return
		}
		defer sessions.close()

		c.logger.Debug("provider invocation",
			"model", c.model,
			"permission_mode", req.PermissionMode,
			"allowed_tools", req.AllowedTools)

		decls := buildToolDecls(req.Tools, req.AllowedTools)
		messages := []anthropicMessage{userText(req.Prompt)}
		var usage Usage

		for turn := 0; turn < maxToolTurns; turn++ {
			msg, stopReason, err := c.streamTurn(ctx, req.SystemPrompt, messages, decls, &usage, yield)
			if err != nil {
				if !errors.Is(err, errStopIteration) {
					yield(nil, err)
				}
				return
			}

			if !yield(AssistantMessage{Blocks: msg.contentBlocks()}, nil) {
				return
			}

			toolUses := msg.toolUses()
			if stopReason != "tool_use" || len(toolUses) == 0 {
				u := usage
				yield(Result{
					Subtype: ResultSuccess,
					Usage:   &u,
					Summary: msg.text(),
				}, nil)
				return
			}

			messages = append(messages, msg.asParam())
			resultParts := make([]anthropicMsgPart, 0, len(toolUses))
			for _, tu := range toolUses {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				output, isErr := sessions.call(ctx, tu)
				if !yield(ToolResultMessage{ToolUseID: tu.ID, Output: output, IsError: isErr}, nil) {
					return
				}
				resultParts = append(resultParts, anthropicMsgPart{
					Type:      "tool_result",
					ToolUseID: tu.ID,
					Content:   stringify(output),
					IsError:   isErr,
				})
			}
			messages = append(messages, anthropicMessage{Role: "user", Content: resultParts})
		}

		u := usage
		yield(Result{Subtype: "error_max_turns", IsError: true, Usage: &u}, nil)
	}
}

// streamTurn issues one streamed Messages API call, emitting TextDelta and
// ToolUseStart events as they arrive, and returns the assembled assistant
// message with its stop reason.
func (c *Anthropic) streamTurn(
	ctx context.Context,
	systemPrompt string,
	messages []anthropicMessage,
	decls []anthropicToolDecl,
	usage *Usage,
	yield func(Event, error) bool,
) (*assembledMessage, string, error) {
	payload := anthropicRequest{
		Model:     c.model,
		System:    systemPrompt,
		Messages:  messages,
		Tools:     decls,
		MaxTokens: c.maxTokens,
		Stream:    true,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("provider: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", statusError(resp)
	}

	msg := &assembledMessage{}
	stopReason := ""

	err = scanEvents(resp.Body, func(name string, chunk []byte) error {
		var ev anthropicStreamEvent
		if err := json.Unmarshal(chunk, &ev); err != nil {
			return fmt.Errorf("provider: decode stream event: %w", err)
		}
		if ev.Type == "" {
			ev.Type = name
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens += ev.Message.Usage.InputTokens
				usage.OutputTokens += ev.Message.Usage.OutputTokens
			}

		case "content_block_start":
			if ev.ContentBlock == nil {
				return nil
			}
			block := msg.startBlock(ev.Index, ev.ContentBlock)
			if block != nil && block.typ == "tool_use" {
				if !yield(ToolUseStart{ID: block.id, Name: block.name}, nil) {
					return errStopIteration
				}
			}

		case "content_block_delta":
			text, partial := ev.Delta.Text, ev.Delta.PartialJSON
			msg.appendDelta(ev.Index, text, partial)
			if text != "" {
				if !yield(TextDelta{Text: text}, nil) {
					return errStopIteration
				}
			}

		case "content_block_stop":
			msg.finishBlock(ev.Index)

		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens += ev.Usage.OutputTokens
			}

		case "message_stop", "ping":
			// Nothing to do.

		default:
			if !yield(Unknown{Type: ev.Type, Raw: append(json.RawMessage(nil), chunk...)}, nil) {
				return errStopIteration
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return msg, stopReason, nil
}

// connectToolServers opens an MCP client session per tool server over
// in-memory transports and indexes the advertised tools by name.
func (c *Anthropic) connectToolServers(ctx context.Context, servers map[string]*mcp.Server) (*toolSessions, error) {
	ts := &toolSessions{byTool: make(map[string]*mcp.ClientSession)}
	for name, srv := range servers {
		serverTransport, clientTransport := mcp.NewInMemoryTransports()

		serverSession, err := srv.Connect(ctx, serverTransport, nil)
		if err != nil {
			ts.close()
			return nil, fmt.Errorf("provider: connect tool server %s: %w", name, err)
		}
		ts.serverSessions = append(ts.serverSessions, serverSession)

		client := mcp.NewClient(&mcp.Implementation{Name: "docent", Version: "1.0.0"}, nil)
		clientSession, err := client.Connect(ctx, clientTransport, nil)
		if err != nil {
			ts.close()
			return nil, fmt.Errorf("provider: connect tool client %s: %w", name, err)
		}
		ts.clientSessions = append(ts.clientSessions, clientSession)

		list, err := clientSession.ListTools(ctx, nil)
		if err != nil {
			ts.close()
			return nil, fmt.Errorf("provider: list tools of %s: %w", name, err)
		}
		for _, t := range list.Tools {
			ts.byTool[t.Name] = clientSession
		}
	}
	return ts, nil
}

// toolSessions holds the live MCP sessions of one invocation.
type toolSessions struct {
	serverSessions []*mcp.ServerSession
	clientSessions []*mcp.ClientSession
	byTool         map[string]*mcp.ClientSession
}

// call executes one tool call and returns its output plus an error flag.
// Failures are reported to the model, never propagated.
func (ts *toolSessions) call(ctx context.Context, tu ToolUseBlock) (any, bool) {
	session, ok := ts.byTool[tu.Name]
	if !ok {
		return "tool not available: " + tu.Name, true
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tu.Name,
		Arguments: tu.Input,
	})
	if err != nil {
		return err.Error(), true
	}

	text := extractText(res.Content)
	if res.IsError && text == "" {
		text = "tool returned an error"
	}
	return text, res.IsError
}

func (ts *toolSessions) close() {
	for _, s := range ts.clientSessions {
		_ = s.Close()
	}
	for _, s := range ts.serverSessions {
		_ = s.Close()
	}
}

// extractText flattens MCP content blocks into a single string.
func extractText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			if t := strings.TrimSpace(v.Text); t != "" {
				parts = append(parts, t)
			}
		default:
			if raw, err := json.Marshal(v); err == nil {
				if t := strings.TrimSpace(string(raw)); t != "" && t != "{}" {
					parts = append(parts, t)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// buildToolDecls advertises the declared tools permitted by the allow-list,
// plus the provider-side web capabilities when the allow-list names them.
func buildToolDecls(defs []tool.Definition, allowed []string) []anthropicToolDecl {
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allow[name] = true
	}
	allowAll := len(allowed) == 0

	decls := make([]anthropicToolDecl, 0, len(defs)+2)
	for _, def := range defs {
		if !allowAll && !allow[def.Name] {
			continue
		}
		schema := def.InputSchema
		if schema == nil {
			schema = &jsonschema.Schema{Type: "object"}
		}
		decls = append(decls, anthropicToolDecl{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	if allow[WebSearchToolName] {
		decls = append(decls, anthropicToolDecl{
			Type: "web_search_20250305",
			Name: WebSearchToolName,
		})
	}
	if allow[WebFetchToolName] {
		decls = append(decls, anthropicToolDecl{
			Type: "web_fetch_20250910",
			Name: WebFetchToolName,
		})
	}
	return decls
}

func stringify(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(raw)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("provider: http %d: %s", resp.StatusCode, msg)
}

// Wire types for the Messages API.

type anthropicRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []anthropicMessage  `json:"messages"`
	Tools     []anthropicToolDecl `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens"`
	Stream    bool                `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicMsgPart `json:"content"`
}

type anthropicMsgPart struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicToolDecl struct {
	Type        string             `json:"type,omitempty"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"input_schema,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *anthropicStreamBlock `json:"content_block,omitempty"`
	Delta        anthropicStreamDelta  `json:"delta,omitempty"`
	Usage        *anthropicUsage       `json:"usage,omitempty"`
}

type anthropicStreamBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func userText(prompt string) anthropicMessage {
	return anthropicMessage{
		Role:    "user",
		Content: []anthropicMsgPart{{Type: "text", Text: prompt}},
	}
}

// assembledMessage accumulates the content blocks of one streamed assistant
// turn, keyed by stream index.
type assembledMessage struct {
	order  []int
	blocks map[int]*assembledBlock
}

type assembledBlock struct {
	typ       string
	id        string
	name      string
	text      strings.Builder
	inputJSON strings.Builder
	input     map[string]any
}

func (m *assembledMessage) startBlock(index int, b *anthropicStreamBlock) *assembledBlock {
	if m.blocks == nil {
		m.blocks = make(map[int]*assembledBlock)
	}
	block := &assembledBlock{typ: b.Type, id: b.ID, name: b.Name}
	block.text.WriteString(b.Text)
	m.blocks[index] = block
	m.order = append(m.order, index)
	return block
}

func (m *assembledMessage) appendDelta(index int, text, partialJSON string) {
	block, ok := m.blocks[index]
	if !ok {
		return
	}
	block.text.WriteString(text)
	block.inputJSON.WriteString(partialJSON)
}

func (m *assembledMessage) finishBlock(index int) {
	block, ok := m.blocks[index]
	if !ok || block.typ != "tool_use" {
		return
	}
	raw := strings.TrimSpace(block.inputJSON.String())
	if raw == "" {
		block.input = map[string]any{}
		return
	}
	if err := json.Unmarshal([]byte(raw), &block.input); err != nil {
		block.input = map[string]any{}
	}
}

func (m *assembledMessage) contentBlocks() []ContentBlock {
	out := make([]ContentBlock, 0, len(m.order))
	for _, i := range m.order {
		block := m.blocks[i]
		switch block.typ {
		case "text":
			out = append(out, TextBlock{Text: block.text.String()})
		case "tool_use":
			out = append(out, ToolUseBlock{ID: block.id, Name: block.name, Input: block.input})
		}
	}
	return out
}

func (m *assembledMessage) toolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, i := range m.order {
		block := m.blocks[i]
		if block.typ == "tool_use" {
			out = append(out, ToolUseBlock{ID: block.id, Name: block.name, Input: block.input})
		}
	}
	return out
}

func (m *assembledMessage) text() string {
	parts := make([]string, 0, len(m.order))
	for _, i := range m.order {
		block := m.blocks[i]
		if block.typ == "text" {
			if t := strings.TrimSpace(block.text.String()); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func (m *assembledMessage) asParam() anthropicMessage {
	parts := make([]anthropicMsgPart, 0, len(m.order))
	for _, i := range m.order {
		block := m.blocks[i]
		switch block.typ {
		case "text":
			if block.text.Len() > 0 {
				parts = append(parts, anthropicMsgPart{Type: "text", Text: block.text.String()})
			}
		case "tool_use":
			parts = append(parts, anthropicMsgPart{
				Type:  "tool_use",
				ID:    block.id,
				Name:  block.name,
				Input: block.input,
			})
		}
	}
	return anthropicMessage{Role: "assistant", Content: parts}
}
