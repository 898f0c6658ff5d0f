package telegram

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/feihe/courier/internal/config"
	"github.com/feihe/courier/pkg/agent"
	"github.com/feihe/courier/pkg/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeAPI records every outbound call. Tests that exercise the update
// loop feed updates through the optional channel.
type fakeAPI struct {
	mu        sync.Mutex
	sent      []tgbotapi.Chattable
	requested []tgbotapi.Chattable
	sendErr   error
	nextMsgID int
	updates   chan tgbotapi.Update
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	f.nextMsgID++
	return tgbotapi.Message{MessageID: f.nextMsgID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	if f.updates != nil {
		return f.updates
	}
	ch := make(chan tgbotapi.Update)
	close(ch)
	return ch
}

func (f *fakeAPI) StopReceivingUpdates() {}

// sentTexts returns the text of every message passed to Send.
func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, c := range f.sent {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			texts = append(texts, msg.Text)
		}
	}
	return texts
}

func (f *fakeAPI) deletions() []tgbotapi.DeleteMessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dels []tgbotapi.DeleteMessageConfig
	for _, c := range f.requested {
		if del, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			dels = append(dels, del)
		}
	}
	return dels
}

func (f *fakeAPI) typingActions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.requested {
		if action, ok := c.(tgbotapi.ChatActionConfig); ok && action.Action == tgbotapi.ChatTyping {
			count++
		}
	}
	return count
}

func createTestBot(t *testing.T, allowed ...int64) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	cfg := config.TelegramConfig{BotToken: "test-token", AllowedUsers: allowed}
	bot := newBot(api, tgbotapi.User{ID: 1, UserName: "courier_bot"}, cfg, zerolog.New(io.Discard), nil)
	return bot, api
}

// scriptedAgent replays canned results and tracks aborts.
type scriptedAgent struct {
	mu      sync.Mutex
	results []agent.Result
	errs    []error
	params  []agent.RunParams
	aborted []string
}

func (s *scriptedAgent) Run(_ context.Context, params agent.RunParams) (agent.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, params)

	call := len(s.params) - 1
	if call < len(s.errs) && s.errs[call] != nil {
		return agent.Result{}, s.errs[call]
	}
	if call < len(s.results) {
		return s.results[call], nil
	}
	return agent.Result{Output: "ok"}, nil
}

func (s *scriptedAgent) Abort(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, sessionKey)
}

func createTestResponder(t *testing.T, bot *Bot, ag AgentRunner) *Responder {
	t.Helper()
	sessions, err := session.NewManager(t.TempDir(), zerolog.New(io.Discard))
	require.NoError(t, err)

	responder, err := NewResponder(ResponderConfig{
		Bot:         bot,
		Agent:       ag,
		Sessions:    sessions,
		Logger:      zerolog.New(io.Discard),
		Model:       "gpt-4.1-mini",
		Temperature: 0.1,
		MaxTokens:   500000,
	})
	require.NoError(t, err)
	return responder
}

// textUpdate builds a plain text message update.
func textUpdate(userID int64, chatType, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 100,
			From:      &tgbotapi.User{ID: userID, UserName: "tester", FirstName: "Test", LastName: "User"},
			Chat:      &tgbotapi.Chat{ID: 67890, Type: chatType},
			Text:      text,
			Date:      1234567890,
		},
	}
}

// commandUpdate builds a slash command update.
func commandUpdate(userID int64, text string) tgbotapi.Update {
	cmdLen := len(text)
	for i, ch := range text {
		if ch == ' ' {
			cmdLen = i
			break
		}
	}
	update := textUpdate(userID, "private", text)
	update.Message.Entities = []tgbotapi.MessageEntity{
		{Type: "bot_command", Offset: 0, Length: cmdLen},
	}
	return update
}
