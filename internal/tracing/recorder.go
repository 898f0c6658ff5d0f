package tracing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one line of the trace log: a summary of a single agent run.
type Record struct {
	TraceID    string    `json:"trace_id"`
	RunID      string    `json:"run_id,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	Model      string    `json:"model,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	ToolCalls  int       `json:"tool_calls"`
	Error      string    `json:"error,omitempty"`
}

// Recorder appends run records to an optional trace file, one JSON
// object per line. A Recorder with an empty path is a no-op, so callers
// never need to branch on whether tracing is configured.
type Recorder struct {
	path string
	mu   sync.Mutex
}

// NewRecorder creates a recorder for the given trace file path. An
// empty path disables recording.
func NewRecorder(path string) *Recorder {
	return &Recorder{path: path}
}

// Enabled reports whether records will be persisted
func (r *Recorder) Enabled() bool {
	return r.path != ""
}

// Append writes one record to the trace file
func (r *Recorder) Append(rec Record) error {
	if r.path == "" {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trace record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create trace directory: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write trace record: %w", err)
	}

	return nil
}
