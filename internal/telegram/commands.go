package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Commands routes slash commands to registered handlers.
type Commands struct {
	bot      *Bot
	logger   zerolog.Logger
	handlers map[string]CommandFunc
}

// CommandFunc handles a single command.
type CommandFunc func(CommandContext) error

// CommandContext carries one parsed command.
type CommandContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	FullName  string
	Command   string
	Args      []string
	RawArgs   string
	IsGroup   bool
}

// NewCommands creates an empty command registry.
func NewCommands(bot *Bot) *Commands {
	return &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]CommandFunc),
	}
}

// HandleCommand parses and dispatches an incoming command.
func (c *Commands) HandleCommand(update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}

	msg := update.Message
	command := msg.Command()

	ctx := CommandContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		FullName:  strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Command:   command,
		Args:      strings.Fields(msg.CommandArguments()),
		RawArgs:   msg.CommandArguments(),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}

	c.logger.Debug().
		Int64("chat_id", ctx.ChatID).
		Int64("user_id", ctx.UserID).
		Str("command", command).
		Msg("Command received")

	handler, exists := c.handlers[command]
	if !exists {
		return c.sendUnknownCommand(ctx)
	}
	return handler(ctx)
}

// Register adds a command handler.
func (c *Commands) Register(command string, handler CommandFunc) {
	c.handlers[command] = handler
	c.logger.Debug().Str("command", command).Msg("Command registered")
}

// SetCommands publishes the command list to Telegram.
func (c *Commands) SetCommands(commands []tgbotapi.BotCommand) error {
	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := c.bot.api.Request(cfg); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	c.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}

func (c *Commands) sendUnknownCommand(ctx CommandContext) error {
	_, err := c.bot.SendReply(ctx.ChatID, fmt.Sprintf("Unknown command: /%s", ctx.Command), ctx.MessageID)
	return err
}
