package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/docent-ai/docent/internal/log"
)

// DefaultBasePath prefixes the query API routes.
const DefaultBasePath = "/api/v1"

// DefaultMaxBodyBytes caps query request bodies.
const DefaultMaxBodyBytes = 1 << 20

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger       log.Logger
	Agent        Streamer // Required
	BasePath     string   // Route prefix (default /api/v1)
	MaxBodyBytes int64    // Request body cap (default 1MB)
	RateBurst    int      // Rate limiter burst size per IP (0 = default 60)
	TrustProxy   bool     // Trust X-Real-IP/X-Forwarded-For headers
}

// Server is the JSON/SSE HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Agent == nil {
		return nil, errors.New("agent is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	base := strings.TrimSuffix(cfg.BasePath, "/")
	if base == "" {
		base = DefaultBasePath
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	qh := &queryHandler{
		agent:   cfg.Agent,
		logger:  logger,
		maxBody: maxBody,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+base+"/query", qh.stream)

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery -> RequestID -> Logging -> RateLimit -> Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Top-level mux keeps health probes outside the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
