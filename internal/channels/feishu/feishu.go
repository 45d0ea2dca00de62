// Package feishu implements the Feishu/Lark channel over the event
// subscription webhook.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/channels"
)

// Config holds the Feishu app credentials and controls.
type Config struct {
	AppID              string `json:"appId"`
	AppSecret          string `json:"appSecret"`
	VerificationToken  string `json:"verificationToken,omitempty"`
	EncryptKey         string `json:"encryptKey,omitempty"`
	Domain             string `json:"domain,omitempty"`
	ConnectionMode     string `json:"connectionMode,omitempty"` // webhook only for now
	WebhookPath        string `json:"webhookPath,omitempty"`
	AllowGroupMessages bool   `json:"allowGroupMessages,omitempty"`
	RequireMention     *bool  `json:"requireMention,omitempty"`
}

// eventEnvelope is the v2 event callback shell.
type eventEnvelope struct {
	Challenge string `json:"challenge"`
	Type      string `json:"type"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID string `json:"message_id"`
			ChatID    string `json:"chat_id"`
			ChatType  string `json:"chat_type"` // p2p, group
			Content   string `json:"content"`   // JSON string {"text": "..."}
			Mentions  []struct {
				Key string `json:"key"`
				ID  struct {
					OpenID string `json:"open_id"`
				} `json:"id"`
			} `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

// Channel receives Feishu message events and replies via the Lark API.
type Channel struct {
	*channels.BaseChannel
	config         Config
	client         *Client
	requireMention bool
	webhookPath    string
}

// New builds the channel.
func New(cfg Config, rc channels.RuntimeContext) *Channel {
	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}
	path := cfg.WebhookPath
	if path == "" {
		path = "/feishu"
	}
	return &Channel{
		BaseChannel:    channels.NewBaseChannel("feishu", rc, nil),
		config:         cfg,
		client:         NewClient(cfg.AppID, cfg.AppSecret, cfg.Domain),
		requireMention: requireMention,
		webhookPath:    path,
	}
}

// Factory returns the registry entry for the feishu channel.
func Factory() *channels.Factory {
	return &channels.Factory{
		ID:          "feishu",
		DisplayName: "Feishu",
		Description: "Feishu/Lark event-subscription channel",
		Capability: channels.Capability{
			Transport: channels.TransportWebhook,
			Auth:      "verification-token+aes",
			Controls:  []string{"allowGroupMessages", "requireMention"},
		},
		Create: func(cfg any, rc channels.RuntimeContext) (channels.Channel, error) {
			var c Config
			if err := channels.DecodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			if c.AppID == "" || c.AppSecret == "" {
				return nil, fmt.Errorf("feishu: appId and appSecret are required")
			}
			return New(c, rc), nil
		},
	}
}

func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	slog.Info("feishu channel started", "appId", c.config.AppID, "path", c.webhookPath)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	return nil
}

// WebhookRoutes exposes the event subscription endpoint.
func (c *Channel) WebhookRoutes() []channels.WebhookRoute {
	return []channels.WebhookRoute{
		{Method: "POST", Path: c.webhookPath, Handler: c.handleEvent},
	}
}

func (c *Channel) handleEvent(ctx context.Context, req *channels.WebhookRequest) (*channels.WebhookResponse, error) {
	body := req.Body

	// Encrypted deployments wrap everything in {"encrypt": "..."}.
	if c.config.EncryptKey != "" {
		var wrapper struct {
			Encrypt string `json:"encrypt"`
		}
		if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Encrypt != "" {
			plain, err := DecryptEvent(c.config.EncryptKey, wrapper.Encrypt)
			if err != nil {
				return nil, fmt.Errorf("feishu: decrypt event: %w", err)
			}
			body = plain
		}
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &channels.WebhookResponse{Status: http.StatusBadRequest, JSON: map[string]string{"error": "bad event"}}, nil
	}

	// URL verification handshake echoes the challenge.
	if envelope.Challenge != "" {
		return &channels.WebhookResponse{JSON: map[string]string{"challenge": envelope.Challenge}}, nil
	}

	if c.config.VerificationToken != "" && envelope.Header.Token != c.config.VerificationToken {
		return &channels.WebhookResponse{Status: http.StatusUnauthorized, JSON: map[string]string{"error": "bad token"}}, nil
	}
	if envelope.Header.EventType != "im.message.receive_v1" {
		return &channels.WebhookResponse{Status: http.StatusOK}, nil
	}

	msg := envelope.Event.Message
	if msg.ChatType == "group" {
		if !c.config.AllowGroupMessages {
			return &channels.WebhookResponse{Status: http.StatusOK}, nil
		}
		if c.requireMention && len(msg.Mentions) == 0 {
			return &channels.WebhookResponse{Status: http.StatusOK}, nil
		}
	}

	text := extractText(msg.Content)
	for _, mention := range msg.Mentions {
		text = strings.ReplaceAll(text, mention.Key, "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &channels.WebhookResponse{Status: http.StatusOK}, nil
	}

	inbound := bus.InboundMessage{
		ID:             msg.MessageID,
		Source:         c.ID(),
		UserID:         envelope.Event.Sender.SenderID.OpenID,
		ConversationID: "feishu:" + msg.ChatID,
		Content:        text,
		Metadata: map[string]string{
			"chatType": msg.ChatType,
			"eventId":  envelope.Header.EventID,
		},
	}
	if err := c.Runtime().RouteMessage(ctx, inbound); err != nil {
		slog.Error("feishu.route_failed", "chat", msg.ChatID, "error", err)
	}
	return &channels.WebhookResponse{Status: http.StatusOK}, nil
}

// Stream renders agent events and sends the flush through the Lark API,
// chunked to the 30000 code-point limit.
func (c *Channel) Stream(ctx context.Context, conversationID string, ev bus.StreamEvent) error {
	flush, _ := c.RenderStream(conversationID, ev)
	if flush == "" {
		return nil
	}
	chatID := strings.TrimPrefix(conversationID, "feishu:")

	parts, err := c.SplitForSend(flush)
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := c.client.SendText(ctx, chatID, part); err != nil {
			return fmt.Errorf("feishu: send: %w", err)
		}
	}
	return nil
}

// extractText pulls the text field out of the message content JSON.
func extractText(content string) string {
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}
	return parsed.Text
}

var _ channels.WebhookChannel = (*Channel)(nil)
