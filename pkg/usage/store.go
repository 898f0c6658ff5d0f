// Package usage tracks per-user request counters in a local sqlite
// database, backing the /stats command.
package usage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage (
	user_key      TEXT PRIMARY KEY,
	requests      INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	tool_calls    INTEGER NOT NULL DEFAULT 0,
	errors        INTEGER NOT NULL DEFAULT 0,
	first_seen    TIMESTAMP NOT NULL,
	last_seen     TIMESTAMP NOT NULL
);
`

// Stats is one user's accumulated counters.
type Stats struct {
	UserKey      string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int64
	Errors       int64
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Sample is the increment recorded after one run.
type Sample struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
	Failed       bool
}

// Store persists usage counters.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("usage: database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("usage: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: create schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "usage").Logger(),
	}, nil
}

// Record adds one run's counters to a user's row.
func (s *Store) Record(userKey string, sample Sample) error {
	if userKey == "" {
		return fmt.Errorf("usage: user key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	errInc := 0
	if sample.Failed {
		errInc = 1
	}
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO usage (user_key, requests, input_tokens, output_tokens, tool_calls, errors, first_seen, last_seen)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_key) DO UPDATE SET
			requests      = requests + 1,
			input_tokens  = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			tool_calls    = tool_calls + excluded.tool_calls,
			errors        = errors + excluded.errors,
			last_seen     = excluded.last_seen`,
		userKey, sample.InputTokens, sample.OutputTokens, sample.ToolCalls, errInc, now, now,
	)
	if err != nil {
		return fmt.Errorf("usage: record sample: %w", err)
	}
	return nil
}

// Get returns one user's counters. A user with no recorded runs gets a
// zero Stats, not an error.
func (s *Store) Get(userKey string) (Stats, error) {
	stats := Stats{UserKey: userKey}
	err := s.db.QueryRow(`
		SELECT requests, input_tokens, output_tokens, tool_calls, errors, first_seen, last_seen
		FROM usage WHERE user_key = ?`, userKey,
	).Scan(&stats.Requests, &stats.InputTokens, &stats.OutputTokens, &stats.ToolCalls, &stats.Errors, &stats.FirstSeen, &stats.LastSeen)
	if err == sql.ErrNoRows {
		return Stats{UserKey: userKey}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("usage: load stats: %w", err)
	}
	return stats, nil
}

// Totals sums counters across all users.
func (s *Store) Totals() (Stats, error) {
	stats := Stats{UserKey: "all"}
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0), COALESCE(SUM(tool_calls), 0),
		       COALESCE(SUM(errors), 0)
		FROM usage`,
	).Scan(&stats.Requests, &stats.InputTokens, &stats.OutputTokens, &stats.ToolCalls, &stats.Errors)
	if err != nil {
		return Stats{}, fmt.Errorf("usage: load totals: %w", err)
	}
	return stats, nil
}

// Users returns every user key with at least one recorded run.
func (s *Store) Users() ([]string, error) {
	rows, err := s.db.Query("SELECT user_key FROM usage ORDER BY user_key")
	if err != nil {
		return nil, fmt.Errorf("usage: list users: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("usage: scan user key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
