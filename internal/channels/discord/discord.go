// Package discord implements the Discord channel via the Bot API gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/channels"
)

// Reply modes for outbound flushes.
const (
	ReplyModeReply   = "reply"   // first chunk replies to the triggering message
	ReplyModeChannel = "channel" // plain channel messages
)

// Config holds the Discord bot credentials and policy controls.
type Config struct {
	BotToken        string   `json:"botToken"`
	AppID           string   `json:"appId,omitempty"`
	AllowGuildIDs   []string `json:"allowGuildIds,omitempty"`
	AllowChannelIDs []string `json:"allowChannelIds,omitempty"`
	AllowUserIDs    []string `json:"allowUserIds,omitempty"`
	RequireMention  *bool    `json:"requireMention,omitempty"`
	ReplyMode       string   `json:"replyMode,omitempty"`
}

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         Config
	botUserID      string // populated on start
	requireMention bool   // require @bot mention in guilds (default true)
	replyMode      string

	mu           sync.Mutex
	replyTargets map[string]replyTarget // conversation id → triggering message
}

type replyTarget struct {
	channelID string
	messageID string
	guildID   string
}

// New creates a Discord channel from config.
func New(cfg Config, rc channels.RuntimeContext) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}
	replyMode := cfg.ReplyMode
	if replyMode == "" {
		replyMode = ReplyModeChannel
	}
	if replyMode != ReplyModeReply && replyMode != ReplyModeChannel {
		return nil, fmt.Errorf("discord: unknown replyMode %q", replyMode)
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", rc, cfg.AllowUserIDs),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
		replyMode:      replyMode,
		replyTargets:   make(map[string]replyTarget),
	}, nil
}

// Factory returns the registry entry for the discord channel.
func Factory() *channels.Factory {
	return &channels.Factory{
		ID:          "discord",
		DisplayName: "Discord",
		Description: "Discord bot over the gateway websocket",
		Capability: channels.Capability{
			Transport: channels.TransportWebSocket,
			Auth:      "bot-token",
			Controls:  []string{"allowGuildIds", "allowChannelIds", "allowUserIds", "requireMention", "replyMode"},
		},
		Create: func(cfg any, rc channels.RuntimeContext) (channels.Channel, error) {
			var c Config
			if err := channels.DecodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			if c.BotToken == "" {
				return nil, fmt.Errorf("discord: botToken is required")
			}
			return New(c, rc)
		},
	}
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// handleMessage filters and routes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isGuild := m.GuildID != ""
	if !allowed(c.config.AllowGuildIDs, m.GuildID) && isGuild {
		return
	}
	if !allowed(c.config.AllowChannelIDs, m.ChannelID) {
		return
	}
	if !c.UserAllowed(m.Author.ID) {
		slog.Debug("discord message rejected by allowlist", "user", m.Author.ID)
		return
	}

	content := m.Content
	// Mention gating: in guilds, only respond when the bot is @mentioned.
	if isGuild && c.requireMention {
		if !mentionsBot(m, c.botUserID) {
			return
		}
		content = stripMention(content, c.botUserID)
	}
	if content == "" {
		return
	}

	conversationID := "discord:" + m.ChannelID
	c.mu.Lock()
	c.replyTargets[conversationID] = replyTarget{
		channelID: m.ChannelID,
		messageID: m.ID,
		guildID:   m.GuildID,
	}
	c.mu.Unlock()

	inbound := bus.InboundMessage{
		ID:             m.ID,
		Source:         c.ID(),
		UserID:         m.Author.ID,
		ConversationID: conversationID,
		Content:        content,
		Metadata: map[string]string{
			"username":  m.Author.Username,
			"guildId":   m.GuildID,
			"channelId": m.ChannelID,
		},
	}
	if err := c.Runtime().RouteMessage(context.Background(), inbound); err != nil {
		slog.Error("discord.route_failed", "channel", m.ChannelID, "error", err)
	}
}

// Stream renders agent events onto Discord. The flushed text is chunked to
// the 2000 code-point limit; with replyMode "reply" the first chunk is
// posted as a reply to the triggering message and the rest follow as plain
// channel messages.
func (c *Channel) Stream(_ context.Context, conversationID string, ev bus.StreamEvent) error {
	flush, _ := c.RenderStream(conversationID, ev)
	if flush == "" {
		return nil
	}

	c.mu.Lock()
	target, ok := c.replyTargets[conversationID]
	delete(c.replyTargets, conversationID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("discord: no target for conversation %s", conversationID)
	}

	parts, err := c.SplitForSend(flush)
	if err != nil {
		return err
	}
	for i, part := range parts {
		if i == 0 && c.replyMode == ReplyModeReply {
			_, err = c.session.ChannelMessageSendReply(target.channelID, part, &discordgo.MessageReference{
				MessageID: target.messageID,
				ChannelID: target.channelID,
				GuildID:   target.guildID,
			})
		} else {
			_, err = c.session.ChannelMessageSend(target.channelID, part)
		}
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// allowed admits everything when the list is empty.
func allowed(list []string, id string) bool {
	if len(list) == 0 {
		return true
	}
	for _, a := range list {
		if a == id {
			return true
		}
	}
	return false
}

// mentionsBot reports whether the message @mentions the bot user.
func mentionsBot(m *discordgo.MessageCreate, botUserID string) bool {
	for _, u := range m.Mentions {
		if u.ID == botUserID {
			return true
		}
	}
	return false
}

// stripMention removes the bot mention tokens from the message text.
func stripMention(content, botUserID string) string {
	content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	return strings.TrimSpace(content)
}
