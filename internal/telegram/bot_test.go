package telegram

import (
	"io"
	"testing"

	"github.com/feihe/courier/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresToken(t *testing.T) {
	_, err := New(config.TelegramConfig{}, zerolog.New(io.Discard), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot token")
}

func TestStartAndStop(t *testing.T) {
	bot, _ := createTestBot(t)

	require.NoError(t, bot.Start())
	assert.True(t, bot.IsRunning())
	assert.Error(t, bot.Start(), "double start must fail")

	require.NoError(t, bot.Stop())
	assert.False(t, bot.IsRunning())
	assert.Error(t, bot.Stop(), "double stop must fail")
}

func TestIsAllowedUser(t *testing.T) {
	tests := []struct {
		name    string
		allowed []int64
		userID  int64
		want    bool
	}{
		{name: "empty list admits everyone", allowed: nil, userID: 42, want: true},
		{name: "listed user", allowed: []int64{42, 99}, userID: 42, want: true},
		{name: "unlisted user", allowed: []int64{42, 99}, userID: 7, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot, _ := createTestBot(t, tt.allowed...)
			assert.Equal(t, tt.want, bot.IsAllowedUser(tt.userID))
		})
	}
}

func TestUpdateAllowedUsers(t *testing.T) {
	bot, _ := createTestBot(t, 42)
	assert.False(t, bot.IsAllowedUser(7))

	bot.UpdateAllowedUsers([]int64{7})
	assert.True(t, bot.IsAllowedUser(7))
	assert.False(t, bot.IsAllowedUser(42))
}

func TestSendMessageVariants(t *testing.T) {
	bot, api := createTestBot(t)

	_, err := bot.SendMessage(1, "plain")
	require.NoError(t, err)

	_, err = bot.SendReply(1, "reply", 55)
	require.NoError(t, err)

	_, err = bot.SendMarkdown(1, "[link](https://example.com)")
	require.NoError(t, err)

	require.Len(t, api.sent, 3)

	reply := api.sent[1].(tgbotapi.MessageConfig)
	assert.Equal(t, 55, reply.ReplyToMessageID)

	markdown := api.sent[2].(tgbotapi.MessageConfig)
	assert.Equal(t, tgbotapi.ModeMarkdown, markdown.ParseMode)
}

func TestSendTypingAndDelete(t *testing.T) {
	bot, api := createTestBot(t)

	require.NoError(t, bot.SendTyping(1))
	assert.Equal(t, 1, api.typingActions())

	require.NoError(t, bot.DeleteMessage(1, 77))
	dels := api.deletions()
	require.Len(t, dels, 1)
	assert.Equal(t, 77, dels[0].MessageID)
}

func TestHandleUpdateRoutesCommands(t *testing.T) {
	bot, _ := createTestBot(t)

	commandCalled := false
	messageCalled := false
	bot.SetCommandHandler(commandHandlerFunc(func(_ tgbotapi.Update) error {
		commandCalled = true
		return nil
	}))
	bot.SetMessageHandler(messageHandlerFunc(func(_ tgbotapi.Update) error {
		messageCalled = true
		return nil
	}))

	require.NoError(t, bot.handleUpdate(commandUpdate(42, "/help")))
	assert.True(t, commandCalled)
	assert.False(t, messageCalled)

	commandCalled = false
	require.NoError(t, bot.handleUpdate(textUpdate(42, "private", "hello")))
	assert.True(t, messageCalled)
	assert.False(t, commandCalled)
}

func TestHandleUpdateIgnoresNonMessages(t *testing.T) {
	bot, _ := createTestBot(t)
	bot.SetMessageHandler(messageHandlerFunc(func(_ tgbotapi.Update) error {
		t.Fatal("handler must not run")
		return nil
	}))
	require.NoError(t, bot.handleUpdate(tgbotapi.Update{}))
}

type commandHandlerFunc func(update tgbotapi.Update) error

func (f commandHandlerFunc) HandleCommand(update tgbotapi.Update) error { return f(update) }

type messageHandlerFunc func(update tgbotapi.Update) error

func (f messageHandlerFunc) HandleMessage(update tgbotapi.Update) error { return f(update) }
