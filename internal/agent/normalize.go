package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docent-ai/docent/internal/provider"
)

// runState accumulates per-query state while provider events are
// normalized into client events.
type runState struct {
	response   string
	partial    strings.Builder
	streamed   bool
	announced  map[string]bool
	isError    bool
	costUSD    *float64
	usage      *provider.Usage
	resultText string
}

func newRunState() *runState {
	return &runState{announced: make(map[string]bool)}
}

// partialText is the best available response text so far, used when a
// query is cancelled before its final assistant message arrives.
func (st *runState) partialText() string {
	if st.response != "" {
		return st.response
	}
	return st.partial.String()
}

// toolStart returns a tool-use start event for the given call id,
// or nil if that id was already announced. Start events can arrive
// both from the streamed path and the discrete message path.
func (st *runState) toolStart(id, name string, input map[string]any) []Event {
	if id != "" && st.announced[id] {
		return nil
	}
	if id != "" {
		st.announced[id] = true
	}
	return []Event{ToolUse{ID: id, Name: name, Input: input, Stage: StageStart}}
}

// normalize converts one provider event into zero or more client
// events, updating accumulated state as it goes.
func (st *runState) normalize(ev provider.Event) []Event {
	switch e := ev.(type) {
	case provider.TextDelta:
		if e.Text == "" {
			return nil
		}
		st.streamed = true
		st.partial.WriteString(e.Text)
		return []Event{AssistantText{Text: e.Text, Mode: ModeDelta}}

	case provider.ToolUseStart:
		return st.toolStart(e.ID, e.Name, nil)

	case provider.AssistantMessage:
		var out []Event
		for _, block := range e.Blocks {
			switch b := block.(type) {
			case provider.TextBlock:
				if b.Text == "" {
					continue
				}
				// The last complete text block wins as the
				// response of record.
				st.response = b.Text
				out = append(out, AssistantText{Text: b.Text, Mode: ModeBlock})
			case provider.ToolUseBlock:
				out = append(out, st.toolStart(b.ID, b.Name, b.Input)...)
			}
		}
		return out

	case provider.ToolResultMessage:
		return []Event{
			ToolUse{ID: e.ToolUseID, Stage: StageEnd},
			ToolResult{ID: e.ToolUseID, Output: outputText(e.Output), IsError: e.IsError},
		}

	case provider.Result:
		st.isError = e.IsError
		st.costUSD = e.CostUSD
		st.usage = e.Usage
		st.resultText = e.Summary
		return []Event{ResultInfo{
			IsError: e.IsError,
			CostUSD: e.CostUSD,
			Usage:   e.Usage,
			Result:  e.Summary,
		}}

	case provider.Unknown:
		return []Event{Passthrough{Type: e.Type, Raw: e.Raw}}
	}
	return nil
}

// outputText renders a tool output for the client stream. Structured
// outputs are serialized as JSON.
func outputText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
