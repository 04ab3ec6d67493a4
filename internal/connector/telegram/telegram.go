// Package telegram runs the intake chat over a Telegram bot.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/opsdesk-io/opsdesk/internal/connector"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // Bot token from @BotFather
	AllowFrom []int64 // Allowed Telegram user IDs (empty = allow all)
}

// Connector implements connector.Connector for Telegram.
type Connector struct {
	bot     *tgbotapi.BotAPI
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// New creates a Telegram connector.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{
		bot:     bot,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start begins long-polling for updates. Blocks until the context is
// cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			c.handleUpdate(ctx, update.Message)

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram connector stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send delivers an intake reply to a Telegram chat. Markdown is
// converted to Telegram's HTML subset, with a plain-text fallback when
// Telegram rejects the markup.
func (c *Connector) Send(_ context.Context, msg connector.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat_id %q: %w", msg.ChatID, err)
	}
	if strings.TrimSpace(msg.Content) == "" {
		c.logger.Warn("skipping empty message", "chat_id", msg.ChatID)
		return nil
	}

	tgMsg := tgbotapi.NewMessage(chatID, ToHTML(msg.Content))
	tgMsg.ParseMode = "HTML"
	tgMsg.DisableWebPagePreview = true

	if _, err = c.bot.Send(tgMsg); err != nil {
		c.logger.Warn("HTML send failed, falling back to plain text",
			"chat_id", msg.ChatID,
			"error", err,
		)
		tgMsg.Text = ToPlain(msg.Content)
		tgMsg.ParseMode = ""
		_, err = c.bot.Send(tgMsg)
	}
	return err
}

func (c *Connector) handleUpdate(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if len(c.config.AllowFrom) > 0 && !allowed(c.config.AllowFrom, userID) {
		c.logger.Warn("unauthorized user", "user_id", userID, "username", msg.From.UserName)
		return
	}

	if msg.IsCommand() && msg.Command() == "help" {
		help := strings.Join([]string{
			"I file tickets for the operations team.",
			"",
			"/start — introduction",
			"/new — discard the current conversation and start over",
			"/help — this message",
			"",
			"Anything else you send is treated as an issue report.",
		}, "\n")
		c.bot.Send(tgbotapi.NewMessage(chatID, help))
		return
	}

	text := msg.Text
	if text == "" && msg.Caption != "" {
		text = msg.Caption
	}
	if msg.IsCommand() {
		// /start and /new go through the handler so the bridge can
		// manage session lifecycle.
		text = "/" + msg.Command()
	}
	if text == "" {
		return
	}

	c.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	inbound := connector.InboundMessage{
		Channel:  "telegram",
		SenderID: strconv.FormatInt(userID, 10),
		ChatID:   strconv.FormatInt(chatID, 10),
		Content:  text,
	}
	if err := c.handler(ctx, inbound); err != nil {
		c.logger.Error("inbound handler error", "chat_id", chatID, "error", err)
	}
}

func allowed(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
