package session

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zerolog.New(io.Discard))
	require.NoError(t, err)
	return m
}

func TestAppendAndLoad(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Append("tg-42", Message{Role: "user", Content: "hello"}))
	require.NoError(t, m.Append("tg-42", Message{Role: "assistant", Content: "hi there", Model: "gpt-4.1-mini"}))

	msgs, err := m.Load("tg-42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.False(t, msgs[0].Timestamp.IsZero())
	assert.Equal(t, "gpt-4.1-mini", msgs[1].Model)
}

func TestLoad_MissingSessionIsEmpty(t *testing.T) {
	m := testManager(t)

	msgs, err := m.Load("tg-404")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestLoad_SkipsCorruptLines(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Append("cli", Message{Role: "user", Content: "first"}))

	// Simulate a torn write
	f, err := os.OpenFile(filepath.Join(m.Dir(), "cli.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"role\":\"assist\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, m.Append("cli", Message{Role: "user", Content: "second"}))

	msgs, err := m.Load("cli")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestAppend_Validation(t *testing.T) {
	m := testManager(t)

	assert.Error(t, m.Append("cli", Message{Content: "no role"}))
	assert.Error(t, m.Append("cli", Message{Role: "user"}))
}

func TestReset(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Append("tg-42", Message{Role: "user", Content: "hello"}))

	require.NoError(t, m.Reset("tg-42"))

	msgs, err := m.Load("tg-42")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Resetting again is fine
	assert.NoError(t, m.Reset("tg-42"))
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "telegram key", key: "tg-12345"},
		{name: "cli key", key: "cli"},
		{name: "empty", key: "", wantErr: true},
		{name: "dotdot", key: "../etc/passwd", wantErr: true},
		{name: "slash", key: "a/b", wantErr: true},
		{name: "backslash", key: `a\b`, wantErr: true},
		{name: "null byte", key: "a\x00b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestList(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Append("tg-2", Message{Role: "user", Content: "x"}))
	require.NoError(t, m.Append("tg-1", Message{Role: "user", Content: "y"}))

	keys, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"tg-1", "tg-2"}, keys)
}

func TestArchive(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Append("tg-9", Message{Role: "user", Content: "x"}))

	require.NoError(t, m.Archive("tg-9"))

	keys, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = os.Stat(filepath.Join(m.Dir(), "tg-9.jsonl.archived"))
	assert.NoError(t, err)
}

func TestLastActivity(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Append("cli", Message{Role: "user", Content: "x"}))

	last, err := m.LastActivity("cli")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, time.Minute)
}
