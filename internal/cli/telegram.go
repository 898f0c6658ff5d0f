package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feihe/courier/internal/config"
	"github.com/feihe/courier/internal/telegram"
	"github.com/feihe/courier/pkg/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
)

var telegramMetricsAddr string

var telegramCmd = &cobra.Command{
	Use:   "telegram",
	Short: "Run the Telegram bot",
	Long: `Run the Telegram bot in the foreground. Requires
TELEGRAM_BOT_TOKEN; use TELEGRAM_ALLOWED_USERS to restrict access.`,
	RunE: runTelegram,
}

func init() {
	telegramCmd.Flags().StringVar(&telegramMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(telegramCmd)
}

func runTelegram(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if !app.Config.TelegramConfigured() {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is not set")
	}

	log := app.Logger.GetZerolog()

	bot, err := telegram.New(app.Config.Telegram, log, app.Metrics)
	if err != nil {
		return err
	}

	responder, err := telegram.NewResponder(telegram.ResponderConfig{
		Bot:         bot,
		Agent:       app.Runner,
		Sessions:    app.Sessions,
		Usage:       app.Usage,
		Logger:      log,
		Model:       app.Config.OpenAI.DefaultModel,
		Temperature: app.Config.OpenAI.Temperature,
		MaxTokens:   app.Config.OpenAI.MaxTokens,
	})
	if err != nil {
		return err
	}

	commands := responder.Attach(bot)
	if err := commands.SetCommands([]tgbotapi.BotCommand{
		{Command: "start", Description: "Start the conversation"},
		{Command: "help", Description: "Show available commands"},
		{Command: "model", Description: "Show the current AI model"},
		{Command: "stats", Description: "Show your usage statistics"},
		{Command: "ask", Description: "Ask a question"},
		{Command: "reset", Description: "Clear your conversation history"},
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to publish command list")
	}

	cleanup, err := session.NewCleanup(session.CleanupConfig{
		Manager:       app.Sessions,
		Logger:        log,
		Metrics:       app.Metrics,
		RetentionDays: app.Config.Session.RetentionDays,
		Schedule:      app.Config.Session.CleanupSchedule,
	})
	if err != nil {
		return err
	}
	if err := cleanup.Start(); err != nil {
		return err
	}
	defer cleanup.Stop()

	// Allow-list changes in the config file take effect without a
	// restart.
	watcher, err := config.NewWatcher(config.NewLoader(cfgFile, ""), log, func(cfg *config.Config) {
		bot.UpdateAllowedUsers(cfg.Telegram.AllowedUsers)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config watcher failed to start")
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	var metricsSrv *http.Server
	if telegramMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.Metrics.Handler())
		metricsSrv = &http.Server{Addr: telegramMetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", telegramMetricsAddr).Msg("Metrics server listening")
	}

	if err := bot.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("Shutting down")
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down")
	}

	if err := bot.Stop(); err != nil {
		log.Warn().Err(err).Msg("Bot stop failed")
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
