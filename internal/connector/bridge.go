package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsdesk-io/opsdesk/internal/intake"
	"github.com/opsdesk-io/opsdesk/internal/session"
)

// Engine is the slice of the intake engine the bridge drives.
type Engine interface {
	HandleMessage(ctx context.Context, sessionID, message, userEmail string) (*intake.Result, error)
}

// Sender delivers replies back to the platform.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

const greeting = "Hi! Describe the issue you're running into and I'll file a ticket for the operations team. Send /new any time to start over."

// Bridge turns inbound connector messages into intake turns and sends
// the replies back. Users are identified by a connector-scoped key
// ("telegram:12345") so chats stay separate from email sessions.
type Bridge struct {
	engine   Engine
	sessions session.Store
	sender   Sender
	logger   *slog.Logger
}

// NewBridge creates a bridge. Call SetSender once the connector
// exists; the connector needs the bridge's Handle at construction, so
// the two are tied together in two steps.
func NewBridge(engine Engine, sessions session.Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{engine: engine, sessions: sessions, logger: logger}
}

// SetSender wires the reply path.
func (b *Bridge) SetSender(s Sender) { b.sender = s }

// Handle processes one inbound message end to end.
func (b *Bridge) Handle(ctx context.Context, msg InboundMessage) error {
	userKey := msg.Channel + ":" + msg.SenderID

	switch strings.TrimSpace(msg.Content) {
	case "/start":
		return b.reply(ctx, msg.ChatID, greeting)
	case "/new":
		if err := b.resetSession(userKey); err != nil {
			b.logger.Warn("session reset failed", "user", userKey, "error", err)
		}
		return b.reply(ctx, msg.ChatID, "Started a new conversation. What's the issue?")
	}

	res, err := b.engine.HandleMessage(ctx, "", msg.Content, userKey)
	if err != nil {
		b.logger.Error("intake turn failed", "user", userKey, "error", err)
		if sendErr := b.reply(ctx, msg.ChatID, "Sorry, something went wrong on my end. Please send that again."); sendErr != nil {
			b.logger.Error("reply failed", "chat", msg.ChatID, "error", sendErr)
		}
		return err
	}

	return b.reply(ctx, msg.ChatID, res.Message)
}

func (b *Bridge) reply(ctx context.Context, chatID, content string) error {
	if b.sender == nil {
		return fmt.Errorf("connector: bridge has no sender")
	}
	return b.sender.Send(ctx, OutboundMessage{ChatID: chatID, Content: content})
}

// resetSession drops the user's current session so the next message
// starts a fresh conversation.
func (b *Bridge) resetSession(userKey string) error {
	sess, err := b.sessions.GetLatestByEmail(userKey)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	return b.sessions.Delete(sess.ID)
}
