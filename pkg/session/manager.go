// Package session persists per-user conversation context. Each session
// is a JSONL file keyed by user identity (for example "tg-12345" for a
// Telegram user, "cli" for the terminal), with explicit invalidation
// via Reset.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Message is a single conversation turn
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// Manager stores sessions as JSONL files under a directory
type Manager struct {
	dir    string
	logger zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
}

// NewManager creates a session manager rooted at dir
func NewManager(dir string, logger zerolog.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &Manager{
		dir:        dir,
		logger:     logger.With().Str("component", "session").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// ValidateKey rejects keys that could escape the sessions directory
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+".jsonl")
}

func (m *Manager) lock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if l, ok := m.writeLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.writeLocks[key] = l
	return l
}

// Append adds one message to a session, creating it if needed
func (m *Manager) Append(key string, msg Message) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if msg.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	l := m.lock(key)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(m.path(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync session file: %w", err)
	}

	m.logger.Debug().Str("session_key", key).Str("role", msg.Role).Msg("Message appended")
	return nil
}

// Load returns all messages of a session, oldest first. A session that
// does not exist yet is an empty history, not an error.
func (m *Manager) Load(key string) ([]Message, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	f, err := os.Open(m.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// A torn write should not poison the whole history
			m.logger.Warn().Str("session_key", key).Int("line", line).Err(err).Msg("Skipping corrupt session line")
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	return messages, nil
}

// Reset removes a session's history. Resetting a session that does not
// exist is a no-op.
func (m *Manager) Reset(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	l := m.lock(key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(m.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset session: %w", err)
	}

	m.logger.Info().Str("session_key", key).Msg("Session reset")
	return nil
}

// List returns the keys of all sessions on disk, sorted
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
	}

	sort.Strings(keys)
	return keys, nil
}

// LastActivity returns the modification time of a session file
func (m *Manager) LastActivity(key string) (time.Time, error) {
	if err := ValidateKey(key); err != nil {
		return time.Time{}, err
	}

	info, err := os.Stat(m.path(key))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat session file: %w", err)
	}
	return info.ModTime(), nil
}

// Archive moves a session out of the active set. Archived files keep
// their content under an .archived suffix until cleanup removes them.
func (m *Manager) Archive(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	l := m.lock(key)
	l.Lock()
	defer l.Unlock()

	src := m.path(key)
	dst := src + ".archived"
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}

	m.logger.Info().Str("session_key", key).Msg("Session archived")
	return nil
}

// Dir returns the sessions directory
func (m *Manager) Dir() string {
	return m.dir
}
