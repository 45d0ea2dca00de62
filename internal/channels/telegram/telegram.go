// Package telegram implements the Telegram channel via the Bot API using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/channels"
)

// Config holds the Telegram bot credentials and controls.
type Config struct {
	BotToken     string   `json:"botToken"`
	AllowUserIDs []string `json:"allowUserIds,omitempty"`
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     Config
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg Config, rc channels.RuntimeContext) (*Channel, error) {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", rc, cfg.AllowUserIDs),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Factory returns the registry entry for the telegram channel.
func Factory() *channels.Factory {
	return &channels.Factory{
		ID:          "telegram",
		DisplayName: "Telegram",
		Description: "Telegram bot over long polling",
		Capability: channels.Capability{
			Transport: channels.TransportWebSocket,
			Auth:      "bot-token",
			Controls:  []string{"allowUserIds"},
		},
		Create: func(cfg any, rc channels.RuntimeContext) (channels.Channel, error) {
			var c Config
			if err := channels.DecodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			if c.BotToken == "" {
				return nil, fmt.Errorf("telegram: botToken is required")
			}
			return New(c, rc)
		},
	}
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// handleMessage enforces the user allowlist before any downstream work,
// then routes the message keyed by chat id.
func (c *Channel) handleMessage(ctx context.Context, m *telego.Message) {
	if m.From == nil || m.From.IsBot || m.Text == "" {
		return
	}

	userID := strconv.FormatInt(m.From.ID, 10)
	if !c.UserAllowed(userID) && !c.UserAllowed("@"+m.From.Username) {
		slog.Debug("telegram message rejected by allowlist", "user", userID, "username", m.From.Username)
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	inbound := bus.InboundMessage{
		ID:             strconv.Itoa(m.MessageID),
		Source:         c.ID(),
		UserID:         userID,
		ConversationID: "telegram:" + chatID,
		Content:        m.Text,
		Metadata: map[string]string{
			"username": m.From.Username,
			"chatId":   chatID,
		},
	}
	if err := c.Runtime().RouteMessage(ctx, inbound); err != nil {
		slog.Error("telegram.route_failed", "chat", chatID, "error", err)
	}
}

// Stream renders agent events onto Telegram, chunked to the 4096
// code-point limit.
func (c *Channel) Stream(ctx context.Context, conversationID string, ev bus.StreamEvent) error {
	flush, _ := c.RenderStream(conversationID, ev)
	if flush == "" {
		return nil
	}

	chatID, err := chatIDFromConversation(conversationID)
	if err != nil {
		return err
	}
	parts, err := c.SplitForSend(flush)
	if err != nil {
		return err
	}
	for _, part := range parts {
		_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
			ChatID: telego.ChatID{ID: chatID},
			Text:   part,
		})
		if err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// chatIDFromConversation extracts the numeric chat id from the
// "telegram:<chatId>" conversation key.
func chatIDFromConversation(conversationID string) (int64, error) {
	raw := conversationID
	if len(raw) > len("telegram:") && raw[:len("telegram:")] == "telegram:" {
		raw = raw[len("telegram:"):]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad conversation id %q", conversationID)
	}
	return id, nil
}
