// Package history manages the bounded conversation window included in a
// prompt.
//
// A history window is an ordered slice of turns. Before a query is sent to
// the model provider, the window is sanitized (malformed turns dropped,
// oldest turns trimmed) and rendered as a plain-text transcript.
package history

import "strings"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultMaxTurns is the window size used when no limit is configured.
const DefaultMaxTurns = 20

// Turn is one user or assistant utterance. Immutable once created.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Config holds history window settings.
type Config struct {
	// MaxTurns bounds the window to the most recent N turns.
	// Zero or negative means DefaultMaxTurns.
	MaxTurns int
}

// Sanitize drops turns whose role is not user/assistant or whose trimmed
// content is empty, then truncates to the most recent maxTurns entries.
// Relative order of kept turns is preserved. Never fails: malformed input
// degrades to an empty or partial slice.
func Sanitize(turns []Turn, maxTurns int) []Turn {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	kept := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			continue
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		kept = append(kept, t)
	}

	// Keep most recent, drop oldest.
	if len(kept) > maxTurns {
		kept = kept[len(kept)-maxTurns:]
	}
	return kept
}

// BuildPrompt renders the sanitized history as an alternating
// "User:"/"Agent:" transcript followed by the new user turn.
// With empty history it returns the trimmed prompt unmodified.
//
// The output is a textual contract with the provider:
//
//	BuildPrompt([{user,"a"},{assistant,"b"}], "c") == "User: a\n\nAgent: b\n\nUser: c"
func BuildPrompt(turns []Turn, prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if len(turns) == 0 {
		return prompt
	}

	lines := make([]string, 0, len(turns)+1)
	for _, t := range turns {
		switch t.Role {
		case RoleAssistant:
			lines = append(lines, "Agent: "+t.Content)
		default:
			lines = append(lines, "User: "+t.Content)
		}
	}
	lines = append(lines, "User: "+prompt)

	return strings.Join(lines, "\n\n")
}
