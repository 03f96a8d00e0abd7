// Package knowledge resolves a configured knowledge source to text for
// inclusion in the system prompt.
//
// Loading is best-effort: a missing file or failing callback downgrades to a
// warning and empty text, never to a failed query.
package knowledge

import (
	"context"
	"os"
	"strings"

	"github.com/docent-ai/docent/internal/log"
)

// DefaultLabel is the heading used by Format when no label is given.
const DefaultLabel = "Knowledge Base"

// SourceType tags the variant of a knowledge source descriptor.
type SourceType string

const (
	// SourceFile reads the knowledge text from a file path.
	SourceFile SourceType = "file"
	// SourceInline uses the descriptor's text verbatim.
	SourceInline SourceType = "inline"
	// SourceFunc resolves the text through a callback.
	SourceFunc SourceType = "func"
)

// LoadFunc resolves knowledge text on demand. It may perform I/O and may
// fail; failures are absorbed by Load.
type LoadFunc func(ctx context.Context) (string, error)

// Source describes where knowledge text comes from.
//
// The zero value is a valid empty source. FromFile, FromText and FromFunc
// build the three variants.
type Source struct {
	Type SourceType
	Path string
	Text string
	Func LoadFunc
}

// FromFile returns a file-backed knowledge source.
func FromFile(path string) Source {
	return Source{Type: SourceFile, Path: path}
}

// FromText returns an inline knowledge source.
func FromText(text string) Source {
	return Source{Type: SourceInline, Text: text}
}

// FromFunc returns a callback-backed knowledge source.
func FromFunc(fn LoadFunc) Source {
	return Source{Type: SourceFunc, Func: fn}
}

// IsZero reports whether the source is unset.
func (s Source) IsZero() bool {
	return s.Type == "" && s.Path == "" && s.Text == "" && s.Func == nil
}

// Load resolves the source to text. File and callback variants may fail;
// on failure Load logs a warning and returns empty text. It never returns
// an error to the caller.
func Load(ctx context.Context, src Source, logger log.Logger) string {
	switch src.Type {
	case SourceInline:
		return src.Text

	case SourceFile:
		data, err := os.ReadFile(src.Path)
		if err != nil {
			logger.Warn("knowledge file unavailable, continuing without it",
				"path", src.Path,
				"error", err)
			return ""
		}
		return string(data)

	case SourceFunc:
		if src.Func == nil {
			return ""
		}
		text, err := src.Func(ctx)
		if err != nil {
			logger.Warn("knowledge callback failed, continuing without it",
				"error", err)
			return ""
		}
		return text

	case "":
		// Bare path shorthand: a descriptor with only Path set.
		if src.Path != "" {
			return Load(ctx, FromFile(src.Path), logger)
		}
		return ""

	default:
		logger.Warn("unknown knowledge source type", "type", string(src.Type))
		return ""
	}
}

// Format wraps the trimmed knowledge text under a labeled heading, ready to
// be concatenated onto a system prompt. Blank input yields an empty string.
func Format(text, label string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if label == "" {
		label = DefaultLabel
	}
	return "\n\n## " + label + "\n\n" + text + "\n"
}
