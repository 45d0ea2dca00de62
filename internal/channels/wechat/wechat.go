// Package wechat implements the WeChat channel through an external bridge
// proxy. Personal WeChat has no official bot API, so a proxy process owns
// the account session and exchanges normalised JSON with this channel.
package wechat

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/channels"
)

// Config holds the bridge proxy coordinates.
type Config struct {
	APIKey    string `json:"apiKey"`
	ProxyURL  string `json:"proxyUrl"`
	AccountID string `json:"accountId,omitempty"`
}

// proxyEvent is the normalised inbound payload from the bridge.
type proxyEvent struct {
	MessageID      string `json:"messageId"`
	From           string `json:"from"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	AccountID      string `json:"accountId,omitempty"`
}

// Channel receives bridge events on a webhook and sends replies back
// through the proxy.
type Channel struct {
	*channels.BaseChannel
	config Config
	client *http.Client
}

// New builds the channel.
func New(cfg Config, rc channels.RuntimeContext) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("wechat", rc, nil),
		config:      cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Factory returns the registry entry for the wechat channel.
func Factory() *channels.Factory {
	return &channels.Factory{
		ID:          "wechat",
		DisplayName: "WeChat",
		Description: "WeChat channel via bridge proxy",
		Capability: channels.Capability{
			Transport: channels.TransportWebhook,
			Auth:      "api-key",
		},
		Create: func(cfg any, rc channels.RuntimeContext) (channels.Channel, error) {
			var c Config
			if err := channels.DecodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			if c.APIKey == "" || c.ProxyURL == "" {
				return nil, fmt.Errorf("wechat: apiKey and proxyUrl are required")
			}
			return New(c, rc), nil
		},
	}
}

func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	slog.Info("wechat channel started", "proxy", c.config.ProxyURL)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	return nil
}

// WebhookRoutes exposes the bridge callback endpoint.
func (c *Channel) WebhookRoutes() []channels.WebhookRoute {
	return []channels.WebhookRoute{
		{Method: "POST", Path: "/wechat", Handler: c.handleEvent},
	}
}

func (c *Channel) handleEvent(ctx context.Context, req *channels.WebhookRequest) (*channels.WebhookResponse, error) {
	if !c.authorized(req.Headers.Get("Authorization"), req.Headers.Get("X-API-Key")) {
		return &channels.WebhookResponse{Status: http.StatusUnauthorized, JSON: map[string]string{"error": "unauthorized"}}, nil
	}

	var event proxyEvent
	if err := json.Unmarshal(req.Body, &event); err != nil || event.Content == "" || event.ConversationID == "" {
		return &channels.WebhookResponse{Status: http.StatusBadRequest, JSON: map[string]string{"error": "bad event"}}, nil
	}
	if c.config.AccountID != "" && event.AccountID != "" && event.AccountID != c.config.AccountID {
		// Event for another bridged account; ack and drop.
		return &channels.WebhookResponse{Status: http.StatusOK}, nil
	}

	inbound := bus.InboundMessage{
		ID:             event.MessageID,
		Source:         c.ID(),
		UserID:         event.From,
		ConversationID: "wechat:" + event.ConversationID,
		Content:        event.Content,
		Metadata:       map[string]string{"accountId": event.AccountID},
	}
	if err := c.Runtime().RouteMessage(ctx, inbound); err != nil {
		slog.Error("wechat.route_failed", "conversation", event.ConversationID, "error", err)
	}
	return &channels.WebhookResponse{Status: http.StatusOK}, nil
}

// authorized accepts either a bearer Authorization header or X-API-Key.
func (c *Channel) authorized(authHeader, apiKeyHeader string) bool {
	key := apiKeyHeader
	if key == "" {
		key = strings.TrimPrefix(authHeader, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(c.config.APIKey)) == 1
}

// Stream renders agent events and pushes the flush back through the proxy.
func (c *Channel) Stream(ctx context.Context, conversationID string, ev bus.StreamEvent) error {
	flush, _ := c.RenderStream(conversationID, ev)
	if flush == "" {
		return nil
	}
	target := strings.TrimPrefix(conversationID, "wechat:")

	parts, err := c.SplitForSend(flush)
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := c.pushToProxy(ctx, target, part); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) pushToProxy(ctx context.Context, conversationID, text string) error {
	payload, _ := json.Marshal(map[string]string{
		"conversationId": conversationID,
		"content":        text,
		"accountId":      c.config.AccountID,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", c.config.ProxyURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wechat: proxy send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("wechat: proxy send status %d", resp.StatusCode)
	}
	return nil
}

var _ channels.WebhookChannel = (*Channel)(nil)
