package agent

import "errors"

// Sentinel errors checked with errors.Is().
var (
	// ErrEmptyPrompt indicates the input prompt was empty after trimming.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrQueryRejected indicates the pre-query hook vetoed the input.
	// No provider invocation happened.
	ErrQueryRejected = errors.New("query rejected")

	// ErrExecutionFailed indicates the provider reported a terminal error.
	ErrExecutionFailed = errors.New("execution failed")
)
