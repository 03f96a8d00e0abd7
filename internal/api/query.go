package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/docent-ai/docent/internal/agent"
	"github.com/docent-ai/docent/internal/log"
)

// Streamer runs one query and delivers normalized events through the
// callback. *agent.Agent satisfies it.
type Streamer interface {
	Stream(ctx context.Context, in agent.Input, cb agent.Callback) (*agent.Result, error)
}

// SSE terminal event types. Intermediate events are named by their
// agent.Kind.
const (
	eventDone  = "done"
	eventError = "error"
)

// donePayload closes a successful stream.
type donePayload struct {
	Response string `json:"response"`
}

// errorPayload closes a failed stream.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// queryHandler relays agent event streams as Server-Sent Events.
type queryHandler struct {
	agent   Streamer
	logger  log.Logger
	maxBody int64
}

// stream handles POST {base}/query.
//
// Malformed bodies and blank prompts are rejected with a JSON error before
// the SSE stream opens. After that, every outcome is delivered in-stream:
// intermediate events as they happen, then exactly one done or error event.
func (h *queryHandler) stream(w http.ResponseWriter, r *http.Request) {
	var in agent.Input
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}
	if strings.TrimSpace(in.Prompt) == "" {
		WriteError(w, http.StatusBadRequest, "empty_prompt", "prompt is required", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	requestID := requestIDFromContext(ctx)
	h.logger.Debug("query stream started", "request_id", requestID)

	res, err := h.agent.Stream(ctx, in, func(_ context.Context, ev agent.Event) error {
		return writeEvent(w, flusher, string(ev.Kind()), ev)
	})
	if err != nil {
		// A gone client gets nothing; everything else gets the one
		// terminal error event.
		if ctx.Err() != nil {
			h.logger.Info("client disconnected", "request_id", requestID)
			return
		}
		h.writeStreamError(w, flusher, err)
		return
	}

	_ = writeEvent(w, flusher, eventDone, donePayload{Response: res.Response})
	h.logger.Debug("query stream completed", "request_id", requestID, "streamed", res.Streamed)
}

// writeStreamError maps agent errors to the terminal SSE error event.
func (h *queryHandler) writeStreamError(w io.Writer, f http.Flusher, err error) {
	code := "STREAM_ERROR"

	switch {
	case errors.Is(err, agent.ErrQueryRejected):
		code = "QUERY_REJECTED"
	case errors.Is(err, agent.ErrEmptyPrompt):
		code = "EMPTY_PROMPT"
	case errors.Is(err, agent.ErrExecutionFailed):
		code = "EXECUTION_FAILED"
	}

	_ = writeEvent(w, f, eventError, errorPayload{
		Code:    code,
		Message: err.Error(),
	})
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
