// Package telegram implements the Telegram bot front end.
package telegram

import (
	"fmt"
	"sync"

	"github.com/feihe/courier/internal/config"
	"github.com/feihe/courier/internal/metrics"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// API is the slice of the bot client the package uses. The concrete
// *tgbotapi.BotAPI satisfies it; tests substitute a fake.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// MessageHandler handles plain text messages.
type MessageHandler interface {
	HandleMessage(update tgbotapi.Update) error
}

// CommandHandler handles bot commands.
type CommandHandler interface {
	HandleCommand(update tgbotapi.Update) error
}

// Bot wraps the Telegram API with access control and update routing.
type Bot struct {
	api     API
	self    tgbotapi.User
	logger  zerolog.Logger
	metrics *metrics.Metrics

	configMu sync.RWMutex
	config   config.TelegramConfig

	messageHandler MessageHandler
	commandHandler CommandHandler

	running  bool
	updates  tgbotapi.UpdatesChannel
	handlers sync.WaitGroup
}

// New authenticates against the Telegram API and builds a bot.
func New(cfg config.TelegramConfig, logger zerolog.Logger, m *metrics.Metrics) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create bot API: %w", err)
	}

	bot := newBot(api, api.Self, cfg, logger, m)
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

// newBot wires a Bot around an already-authenticated API client.
func newBot(api API, self tgbotapi.User, cfg config.TelegramConfig, logger zerolog.Logger, m *metrics.Metrics) *Bot {
	return &Bot{
		api:     api,
		self:    self,
		config:  cfg,
		logger:  logger.With().Str("component", "telegram").Logger(),
		metrics: m,
	}
}

// Start begins long polling for updates.
func (b *Bot) Start() error {
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	b.updates = b.api.GetUpdatesChan(u)
	b.running = true

	go b.processUpdates()
	return nil
}

// Stop halts update polling.
func (b *Bot) Stop() error {
	if !b.running {
		return fmt.Errorf("bot is not running")
	}

	b.logger.Info().Msg("Stopping Telegram bot")
	b.running = false
	b.api.StopReceivingUpdates()
	b.handlers.Wait()
	return nil
}

// IsRunning reports whether the bot is polling.
func (b *Bot) IsRunning() bool {
	return b.running
}

// processUpdates handles each update on its own goroutine so one
// user's in-flight run never blocks another user's message. Per-user
// ordering is enforced downstream by the command queue session lanes.
func (b *Bot) processUpdates() {
	for update := range b.updates {
		if !b.running {
			break
		}
		b.handlers.Add(1)
		go func(update tgbotapi.Update) {
			defer b.handlers.Done()
			if err := b.handleUpdate(update); err != nil {
				if b.metrics != nil {
					b.metrics.TelegramErrorsTotal.Inc()
				}
				b.logger.Error().
					Err(err).
					Int("update_id", update.UpdateID).
					Msg("Failed to handle update")
			}
		}(update)
	}
}

// handleUpdate routes an update to the right handler.
func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	if update.Message == nil {
		return nil
	}
	if b.metrics != nil {
		b.metrics.TelegramMessagesReceivedTotal.Inc()
	}

	if update.Message.IsCommand() && b.commandHandler != nil {
		return b.commandHandler.HandleCommand(update)
	}
	if b.messageHandler != nil {
		return b.messageHandler.HandleMessage(update)
	}
	return nil
}

// IsAllowedUser reports whether a user passes the allow-list. An empty
// list admits everyone.
func (b *Bot) IsAllowedUser(userID int64) bool {
	b.configMu.RLock()
	defer b.configMu.RUnlock()
	return b.config.IsAllowedUser(userID)
}

// UpdateAllowedUsers swaps the allow-list, used on config reload.
func (b *Bot) UpdateAllowedUsers(users []int64) {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	b.config.AllowedUsers = users
	b.logger.Info().Int("count", len(users)).Msg("Allow-list updated")
}

// SendMessage sends plain text to a chat.
func (b *Bot) SendMessage(chatID int64, text string) (tgbotapi.Message, error) {
	return b.send(tgbotapi.NewMessage(chatID, text))
}

// SendReply sends text as a reply to a specific message.
func (b *Bot) SendReply(chatID int64, text string, replyToMessageID int) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyToMessageID
	return b.send(msg)
}

// SendMarkdown sends Markdown-formatted text.
func (b *Bot) SendMarkdown(chatID int64, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	return b.send(msg)
}

func (b *Bot) send(msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	sent, err := b.api.Send(msg)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("send message: %w", err)
	}
	if b.metrics != nil {
		b.metrics.TelegramMessagesSentTotal.Inc()
	}
	b.logger.Debug().Int64("chat_id", msg.ChatID).Msg("Message sent")
	return sent, nil
}

// SendTyping shows the typing indicator in a chat.
func (b *Bot) SendTyping(chatID int64) error {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		return fmt.Errorf("send typing action: %w", err)
	}
	return nil
}

// DeleteMessage removes a previously sent message.
func (b *Bot) DeleteMessage(chatID int64, messageID int) error {
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	if _, err := b.api.Request(del); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// SetMessageHandler sets the plain text handler.
func (b *Bot) SetMessageHandler(handler MessageHandler) {
	b.messageHandler = handler
}

// SetCommandHandler sets the command handler.
func (b *Bot) SetCommandHandler(handler CommandHandler) {
	b.commandHandler = handler
}
