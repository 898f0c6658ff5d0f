package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/feihe/courier/pkg/agent"
	"github.com/feihe/courier/pkg/session"
	"github.com/feihe/courier/pkg/usage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	unauthorizedReply = "Sorry, you are not authorized to use this bot."
	processingReply   = "Processing your request..."
)

// AgentRunner is the part of the agent the bot needs.
type AgentRunner interface {
	Run(ctx context.Context, params agent.RunParams) (agent.Result, error)
	Abort(sessionKey string)
}

// MessageContext carries one parsed plain text message.
type MessageContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	FullName  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
}

// ResponderConfig wires a Responder together.
type ResponderConfig struct {
	Bot         *Bot
	Agent       AgentRunner
	Sessions    *session.Manager
	Usage       *usage.Store
	Logger      zerolog.Logger
	Model       string
	Temperature float64
	MaxTokens   int
}

// Responder implements the bot's conversational behavior: command
// replies and the agent round trip for prompts.
type Responder struct {
	bot         *Bot
	agent       AgentRunner
	sessions    *session.Manager
	usage       *usage.Store
	logger      zerolog.Logger
	model       string
	temperature float64
	maxTokens   int
}

// NewResponder validates dependencies and builds a responder.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Bot == nil {
		return nil, fmt.Errorf("bot is required")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	return &Responder{
		bot:         cfg.Bot,
		agent:       cfg.Agent,
		sessions:    cfg.Sessions,
		usage:       cfg.Usage,
		logger:      cfg.Logger.With().Str("component", "telegram-responder").Logger(),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// SessionKey returns the per-user session key.
func SessionKey(userID int64) string {
	return fmt.Sprintf("tg-%d", userID)
}

// Attach registers the responder on the bot: all commands plus the
// plain text fallback.
func (r *Responder) Attach(bot *Bot) *Commands {
	commands := NewCommands(bot)
	commands.Register("start", r.Start)
	commands.Register("help", r.Help)
	commands.Register("model", r.Model)
	commands.Register("stats", r.Stats)
	commands.Register("ask", r.Ask)
	commands.Register("reset", r.Reset)

	bot.SetCommandHandler(commands)
	bot.SetMessageHandler(r)
	return commands
}

// HandleMessage treats plain text as an implicit ask. Group chatter is
// ignored so the bot only answers direct conversations.
func (r *Responder) HandleMessage(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || strings.TrimSpace(msg.Text) == "" {
		return nil
	}

	ctx := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		FullName:  strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}

	if ctx.IsGroup {
		r.logger.Debug().Int64("chat_id", ctx.ChatID).Msg("Ignoring group message")
		return nil
	}
	if !r.bot.IsAllowedUser(ctx.UserID) {
		_, err := r.bot.SendReply(ctx.ChatID, unauthorizedReply, ctx.MessageID)
		return err
	}

	return r.respond(ctx.ChatID, ctx.MessageID, ctx.UserID, ctx.Text)
}

// Start greets the user.
func (r *Responder) Start(ctx CommandContext) error {
	if !r.bot.IsAllowedUser(ctx.UserID) {
		_, err := r.bot.SendReply(ctx.ChatID, unauthorizedReply, ctx.MessageID)
		return err
	}

	name := ctx.FullName
	if name == "" {
		name = ctx.Username
	}
	text := fmt.Sprintf(
		"Hello %s! I'm Courier, an AI assistant.\nI'm here to help you with your questions. Just send me a message!",
		name,
	)
	_, err := r.bot.SendMessage(ctx.ChatID, text)
	return err
}

// Help lists the available commands. Unauthorized users get silence.
func (r *Responder) Help(ctx CommandContext) error {
	if !r.bot.IsAllowedUser(ctx.UserID) {
		return nil
	}

	_, err := r.bot.SendMessage(ctx.ChatID,
		"Here are the available commands:\n"+
			"/start - Start the conversation\n"+
			"/help - Show this help message\n"+
			"/model - Show the current AI model\n"+
			"/stats - Show your usage statistics\n"+
			"/ask <question> - Ask a question\n"+
			"/reset - Clear your conversation history\n\n"+
			"Simply send me a message, and I'll respond with the help of various tools!")
	return err
}

// Model shows the active model settings.
func (r *Responder) Model(ctx CommandContext) error {
	if !r.bot.IsAllowedUser(ctx.UserID) {
		return nil
	}

	text := fmt.Sprintf("Current model: %s\nTemperature: %g\nMax tokens: %d",
		r.model, r.temperature, r.maxTokens)
	_, err := r.bot.SendMessage(ctx.ChatID, text)
	return err
}

// Stats reports the user's usage counters.
func (r *Responder) Stats(ctx CommandContext) error {
	if !r.bot.IsAllowedUser(ctx.UserID) {
		return nil
	}

	if r.usage == nil {
		_, err := r.bot.SendMessage(ctx.ChatID, "No statistics available. Start a conversation first.")
		return err
	}

	stats, err := r.usage.Get(SessionKey(ctx.UserID))
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to load usage stats")
		_, sendErr := r.bot.SendMessage(ctx.ChatID, "No statistics available. Start a conversation first.")
		return sendErr
	}
	if stats.Requests == 0 {
		_, err := r.bot.SendMessage(ctx.ChatID, "No statistics available. Start a conversation first.")
		return err
	}

	text := fmt.Sprintf(
		"Your statistics:\nRequests: %d\nInput tokens: %d\nOutput tokens: %d\nTool calls: %d\nErrors: %d",
		stats.Requests, stats.InputTokens, stats.OutputTokens, stats.ToolCalls, stats.Errors,
	)
	_, err = r.bot.SendMessage(ctx.ChatID, text)
	return err
}

// Ask runs an explicit /ask command.
func (r *Responder) Ask(ctx CommandContext) error {
	if !r.bot.IsAllowedUser(ctx.UserID) {
		_, err := r.bot.SendReply(ctx.ChatID, unauthorizedReply, ctx.MessageID)
		return err
	}

	prompt := strings.TrimSpace(ctx.RawArgs)
	if prompt == "" {
		_, err := r.bot.SendReply(ctx.ChatID, "Usage: /ask <question>", ctx.MessageID)
		return err
	}
	return r.respond(ctx.ChatID, ctx.MessageID, ctx.UserID, prompt)
}

// Reset aborts any active run and clears the user's history.
func (r *Responder) Reset(ctx CommandContext) error {
	if !r.bot.IsAllowedUser(ctx.UserID) {
		return nil
	}

	key := SessionKey(ctx.UserID)
	r.agent.Abort(key)
	if err := r.sessions.Reset(key); err != nil {
		r.logger.Error().Err(err).Str("session_key", key).Msg("Failed to reset session")
		_, sendErr := r.bot.SendMessage(ctx.ChatID, "Sorry, resetting your conversation failed.")
		return sendErr
	}

	_, err := r.bot.SendMessage(ctx.ChatID, "Conversation history cleared.")
	return err
}

// respond runs one prompt through the agent: typing indicator, a
// placeholder that is deleted once the answer arrives, the answer as a
// reply, and the trace link as a separate Markdown message.
func (r *Responder) respond(chatID int64, messageID int, userID int64, prompt string) error {
	if err := r.bot.SendTyping(chatID); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to send typing action")
	}

	placeholder, err := r.bot.SendReply(chatID, processingReply, messageID)
	if err != nil {
		return err
	}

	result, runErr := r.agent.Run(context.Background(), agent.RunParams{
		Prompt:     prompt,
		SessionKey: SessionKey(userID),
	})
	r.recordUsage(userID, result, runErr)

	if err := r.bot.DeleteMessage(chatID, placeholder.MessageID); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to delete placeholder")
	}

	if runErr != nil {
		r.logger.Error().Err(runErr).Int64("user_id", userID).Msg("Agent run failed")
		_, err := r.bot.SendReply(chatID,
			fmt.Sprintf("Sorry, there was an error processing your request: %v", runErr), messageID)
		return err
	}

	if _, err := r.bot.SendReply(chatID, result.Output, messageID); err != nil {
		return err
	}

	if result.TraceURL != "" {
		if _, err := r.bot.SendMarkdown(chatID, fmt.Sprintf("[View interaction trace](%s)", result.TraceURL)); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to send trace link")
		}
	}
	return nil
}

func (r *Responder) recordUsage(userID int64, result agent.Result, runErr error) {
	if r.usage == nil {
		return
	}
	err := r.usage.Record(SessionKey(userID), usage.Sample{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		ToolCalls:    result.ToolCalls,
		Failed:       runErr != nil,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record usage")
	}
}
