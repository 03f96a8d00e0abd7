package agent

import (
	"encoding/json"

	"github.com/docent-ai/docent/internal/provider"
)

// Kind identifies an event type on the client stream.
type Kind string

const (
	KindStart         Kind = "start"
	KindAssistantText Kind = "assistant-text"
	KindToolUse       Kind = "tool-use"
	KindToolResult    Kind = "tool-result"
	KindResult        Kind = "result"
	KindDone          Kind = "done"
	KindError         Kind = "error"
)

// TextMode distinguishes incremental deltas from complete blocks.
type TextMode string

const (
	ModeDelta TextMode = "delta"
	ModeBlock TextMode = "block"
)

// ToolStage marks the lifecycle edge of a tool invocation.
type ToolStage string

const (
	StageStart ToolStage = "start"
	StageEnd   ToolStage = "end"
)

// Event is a normalized client-facing event. Implementations are the
// small set of structs below plus Passthrough for unrecognized
// provider payloads.
type Event interface {
	Kind() Kind
}

// Start opens every accepted query stream.
type Start struct{}

func (Start) Kind() Kind { return KindStart }

// AssistantText carries model text, either an incremental delta or a
// complete block.
type AssistantText struct {
	Text string   `json:"text"`
	Mode TextMode `json:"mode"`
}

func (AssistantText) Kind() Kind { return KindAssistantText }

// ToolUse announces a tool invocation boundary.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	Stage ToolStage      `json:"stage"`
}

func (ToolUse) Kind() Kind { return KindToolUse }

// ToolResult carries the textual output of a completed tool call.
type ToolResult struct {
	ID      string `json:"id"`
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

func (ToolResult) Kind() Kind { return KindToolResult }

// ResultInfo summarizes the provider's terminal result for a turn.
type ResultInfo struct {
	IsError bool            `json:"isError"`
	CostUSD *float64        `json:"cost,omitempty"`
	Usage   *provider.Usage `json:"usage,omitempty"`
	Result  string          `json:"result,omitempty"`
}

func (ResultInfo) Kind() Kind { return KindResult }

// Done closes a successful stream with the final response text.
type Done struct {
	Response string `json:"response"`
}

func (Done) Kind() Kind { return KindDone }

// ErrorEvent closes a failed stream.
type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (ErrorEvent) Kind() Kind { return KindError }

// Passthrough forwards a provider event the normalizer does not
// recognize, preserving its raw payload.
type Passthrough struct {
	Type string
	Raw  json.RawMessage
}

func (p Passthrough) Kind() Kind { return Kind(p.Type) }

func (p Passthrough) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("{}"), nil
	}
	return p.Raw, nil
}
