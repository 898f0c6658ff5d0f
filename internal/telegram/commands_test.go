package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommands(t *testing.T) {
	bot, _ := createTestBot(t)
	commands := NewCommands(bot)

	assert.NotNil(t, commands)
	assert.Equal(t, bot, commands.bot)
	assert.NotNil(t, commands.handlers)
}

func TestRegisterAndDispatch(t *testing.T) {
	bot, _ := createTestBot(t)
	commands := NewCommands(bot)

	called := false
	commands.Register("test", func(_ CommandContext) error {
		called = true
		return nil
	})

	require.NoError(t, commands.HandleCommand(commandUpdate(12345, "/test")))
	assert.True(t, called)
}

func TestHandleCommandParsesArgs(t *testing.T) {
	bot, _ := createTestBot(t)
	commands := NewCommands(bot)

	var received CommandContext
	commands.Register("echo", func(ctx CommandContext) error {
		received = ctx
		return nil
	})

	require.NoError(t, commands.HandleCommand(commandUpdate(12345, "/echo hello world")))

	assert.Equal(t, "echo", received.Command)
	assert.Equal(t, []string{"hello", "world"}, received.Args)
	assert.Equal(t, "hello world", received.RawArgs)
	assert.Equal(t, int64(12345), received.UserID)
	assert.Equal(t, int64(67890), received.ChatID)
	assert.Equal(t, "Test User", received.FullName)
	assert.False(t, received.IsGroup)
}

func TestUnknownCommandGetsReply(t *testing.T) {
	bot, api := createTestBot(t)
	commands := NewCommands(bot)

	require.NoError(t, commands.HandleCommand(commandUpdate(12345, "/bogus")))

	texts := api.sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, "Unknown command: /bogus", texts[0])
}

func TestHandleCommandIgnoresPlainText(t *testing.T) {
	bot, api := createTestBot(t)
	commands := NewCommands(bot)

	require.NoError(t, commands.HandleCommand(textUpdate(12345, "private", "not a command")))
	assert.Empty(t, api.sentTexts())
}
