// Package hook defines the operator-supplied extension points that intercept
// a query before and after the model invocation.
//
// The pre-query and post-response hooks deliberately have different "empty"
// semantics: a pre-query rejection vetoes the whole invocation, while a
// post-response pass-through keeps the original response. The two result
// types keep that asymmetry compiler-checked.
package hook

import (
	"context"

	"github.com/docent-ai/docent/internal/history"
)

// Context bundles the information handed to every hook: the effective
// prompt, the sanitized history window, and per-call metadata.
type Context struct {
	Prompt   string
	History  []history.Turn
	Metadata map[string]any
}

// PreQueryResult is the outcome of a pre-query hook: either a (possibly
// rewritten) prompt, or an outright rejection of the query.
type PreQueryResult struct {
	rejected bool
	prompt   string
}

// Accept lets the query proceed with the given prompt.
func Accept(prompt string) PreQueryResult {
	return PreQueryResult{prompt: prompt}
}

// Reject vetoes the query; no provider invocation happens.
func Reject() PreQueryResult {
	return PreQueryResult{rejected: true}
}

// Rejected reports whether the hook vetoed the query.
func (r PreQueryResult) Rejected() bool { return r.rejected }

// Prompt returns the prompt the query should proceed with.
func (r PreQueryResult) Prompt() string { return r.prompt }

// PostResponseResult is the outcome of a post-response hook: either the
// original response unchanged, or a replacement.
type PostResponseResult struct {
	replaced bool
	response string
}

// Unchanged keeps the original response.
func Unchanged() PostResponseResult {
	return PostResponseResult{}
}

// Replace substitutes the response text.
func Replace(response string) PostResponseResult {
	return PostResponseResult{replaced: true, response: response}
}

// Apply resolves the result against the original response.
func (r PostResponseResult) Apply(original string) string {
	if r.replaced {
		return r.response
	}
	return original
}

// PreQueryFunc runs before the provider invocation. It may rewrite or
// reject the prompt. User code; may block on I/O.
type PreQueryFunc func(ctx context.Context, prompt string, hctx Context) (PreQueryResult, error)

// PostResponseFunc runs after the provider invocation completes
// successfully. User code; may block on I/O.
type PostResponseFunc func(ctx context.Context, response string, hctx Context) (PostResponseResult, error)

// EscalateFunc decides whether a query/response pair warrants human
// handling. Advisory only: the result is observed but never blocks or
// alters the returned response.
type EscalateFunc func(ctx context.Context, hctx Context, finalResponse string) (bool, error)

// Set groups the optional hooks for one plugin. Any field may be nil.
type Set struct {
	PreQuery     PreQueryFunc
	PostResponse PostResponseFunc
	Escalate     EscalateFunc
}
