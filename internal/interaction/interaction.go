// Package interaction appends a durable record of each completed or failed
// query to a newline-delimited JSON log.
//
// Appending is best-effort: a failed write is downgraded to a warning and
// never fails the orchestration that produced the entry.
package interaction

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/docent-ai/docent/internal/history"
	"github.com/docent-ai/docent/internal/log"
)

// DefaultPath is the log destination used when none is configured.
const DefaultPath = "interactions.jsonl"

// Config controls the interaction log.
type Config struct {
	// Enabled gates all writes. Disabled means zero writes on every path.
	Enabled bool
	// Path is the JSONL destination. Empty means DefaultPath.
	Path string
	// Metadata is merged over each entry's own metadata; config wins on
	// key collision.
	Metadata map[string]any
}

// Entry is one durable record of an orchestration attempt.
type Entry struct {
	Timestamp         time.Time      `json:"timestamp"`
	UserPrompt        string         `json:"userPrompt"`
	AssistantResponse string         `json:"assistantResponse"`
	Success           bool           `json:"success"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	History           []history.Turn `json:"history,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// Logger appends entries to the configured destination. Safe for
// concurrent use: an in-process mutex keeps concurrent orchestrations from
// interleaving lines, and a file lock guards against other processes
// appending to the same destination.
type Logger struct {
	cfg    Config
	logger log.Logger

	mu sync.Mutex
}

// NewLogger creates an interaction logger.
func NewLogger(cfg Config, logger log.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &Logger{cfg: cfg, logger: logger}
}

// Enabled reports whether appends will write anything.
func (l *Logger) Enabled() bool { return l.cfg.Enabled }

// Append writes one entry. No-op when disabled. Write failures are logged
// as warnings and never propagated.
func (l *Logger) Append(entry Entry) {
	if !l.cfg.Enabled {
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Metadata = mergeMetadata(entry.Metadata, l.cfg.Metadata)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.write(entry); err != nil {
		l.logger.Warn("interaction log write failed",
			"path", l.cfg.Path,
			"error", err)
	}
}

func (l *Logger) write(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(l.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	lock := flock.New(l.cfg.Path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(l.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// mergeMetadata overlays cfg over entry; cfg wins on key collision.
func mergeMetadata(entry, cfg map[string]any) map[string]any {
	if len(entry) == 0 && len(cfg) == 0 {
		return nil
	}
	merged := make(map[string]any, len(entry)+len(cfg))
	for k, v := range entry {
		merged[k] = v
	}
	for k, v := range cfg {
		merged[k] = v
	}
	return merged
}
