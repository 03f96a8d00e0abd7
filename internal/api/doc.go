// Package api exposes the query service over HTTP.
//
// Endpoints:
//   - POST {base}/query  - run one query, streaming normalized events as SSE
//   - GET  /health       - liveness probe, outside the middleware stack
//
// The query endpoint accepts a JSON body with the user prompt, optional
// conversation history and optional metadata, and relays the agent's event
// stream as Server-Sent Events. Every accepted stream opens with a start
// event and closes with exactly one terminal event, done or error.
//
// Requests pass through a middleware stack (outermost first):
//
//	Recovery -> RequestID -> Logging -> RateLimit -> Routes
//
// Invalid request bodies and blank prompts are rejected with a JSON error
// before any SSE stream is opened.
package api
