// Package provider abstracts the remote model invocation.
//
// A Client issues one invocation and yields a sequence of events: streamed
// text deltas, discrete assistant messages, tool results produced during the
// invocation, and exactly one terminal result. Unrecognized provider shapes
// pass through as Unknown so newer event kinds survive the trip without
// code changes here.
package provider

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/docent-ai/docent/internal/tool"
)

// Event is one unit of provider output. The variants below form a closed
// set; Unknown is the explicit open case.
type Event interface{ providerEvent() }

// TextDelta is a streamed fragment of assistant text, for live display.
type TextDelta struct {
	Text string
}

// ToolUseStart announces a tool invocation on the streaming path, before
// the discrete assistant message that also describes it.
type ToolUseStart struct {
	ID   string
	Name string
}

// ContentBlock is one block of a discrete assistant message.
type ContentBlock interface{ contentBlock() }

// TextBlock carries assistant text. The last text block of the last
// assistant message is the authoritative response.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a tool invocation requested by the model.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// AssistantMessage is a complete assistant turn.
type AssistantMessage struct {
	Blocks []ContentBlock
}

// ToolResultMessage carries the output of one executed tool call.
type ToolResultMessage struct {
	ToolUseID string
	Output    any
	IsError   bool
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Result is the terminal event of an invocation. Exactly one Result ends
// every successful event sequence.
type Result struct {
	// Subtype distinguishes terminal outcomes, e.g. "success" or
	// "error_during_execution".
	Subtype string
	IsError bool
	CostUSD *float64
	Usage   *Usage
	// Summary is the provider's own summarized result text, present when
	// Subtype indicates success.
	Summary string
}

// Unknown passes an unrecognized provider event through unchanged.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (TextDelta) providerEvent()         {}
func (ToolUseStart) providerEvent()      {}
func (AssistantMessage) providerEvent()  {}
func (ToolResultMessage) providerEvent() {}
func (Result) providerEvent()            {}
func (Unknown) providerEvent()           {}

func (TextBlock) contentBlock()    {}
func (ToolUseBlock) contentBlock() {}

// ResultSuccess is the Subtype of a successful terminal result.
const ResultSuccess = "success"

// Request describes one invocation of the remote model.
type Request struct {
	Prompt         string
	SystemPrompt   string
	PermissionMode string
	// AllowedTools restricts which tool and service names the model may
	// invoke. Empty means every declared tool.
	AllowedTools []string
	// Tools are the declared tool definitions, used for the provider-side
	// schema advertisement.
	Tools []tool.Definition
	// ToolServers are in-process MCP server handles, keyed by plugin name,
	// through which the invocation executes tool calls.
	ToolServers map[string]*mcp.Server
}

// Client issues one invocation against the remote model. The returned
// sequence terminates with exactly one Result event unless iteration yields
// an error first. Cancelling ctx stops the invocation promptly.
type Client interface {
	Query(ctx context.Context, req Request) iter.Seq2[Event, error]
}
