// Package dingtalk implements the DingTalk robot channel over signed HTTP
// callbacks.
package dingtalk

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/channels"
)

// Config holds the DingTalk app credentials.
type Config struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
	RobotCode string `json:"robotCode,omitempty"`
}

// callbackBody is the robot message callback payload (the subset we read).
type callbackBody struct {
	MsgID          string `json:"msgId"`
	ConversationID string `json:"conversationId"`
	SenderStaffID  string `json:"senderStaffId"`
	SenderNick     string `json:"senderNick"`
	Text           struct {
		Content string `json:"content"`
	} `json:"text"`
	MsgType string `json:"msgtype"`
}

// Channel receives robot callbacks and replies through the oToMessages
// batch-send API.
type Channel struct {
	*channels.BaseChannel
	config Config
	tokens *tokenClient
}

// New builds the channel.
func New(cfg Config, rc channels.RuntimeContext) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("dingtalk", rc, nil),
		config:      cfg,
		tokens:      newTokenClient(cfg.AppKey, cfg.AppSecret),
	}
}

// Factory returns the registry entry for the dingtalk channel.
func Factory() *channels.Factory {
	return &channels.Factory{
		ID:          "dingtalk",
		DisplayName: "DingTalk",
		Description: "DingTalk robot channel with signed callbacks",
		Capability: channels.Capability{
			Transport: channels.TransportWebhook,
			Auth:      "hmac-sha256",
		},
		Create: func(cfg any, rc channels.RuntimeContext) (channels.Channel, error) {
			var c Config
			if err := channels.DecodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			if c.AppKey == "" || c.AppSecret == "" {
				return nil, fmt.Errorf("dingtalk: appKey and appSecret are required")
			}
			return New(c, rc), nil
		},
	}
}

func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	slog.Info("dingtalk channel started", "appKey", c.config.AppKey)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	return nil
}

// WebhookRoutes exposes the robot callback endpoint.
func (c *Channel) WebhookRoutes() []channels.WebhookRoute {
	return []channels.WebhookRoute{
		{Method: "POST", Path: "/dingtalk", Handler: c.handleCallback},
	}
}

func (c *Channel) handleCallback(ctx context.Context, req *channels.WebhookRequest) (*channels.WebhookResponse, error) {
	timestamp := req.Headers.Get("timestamp")
	signature := req.Headers.Get("sign")
	if err := VerifyCallback(timestamp, signature, c.config.AppSecret); err != nil {
		slog.Warn("dingtalk.callback_rejected", "error", err)
		return &channels.WebhookResponse{Status: http.StatusUnauthorized, JSON: map[string]string{"error": "unauthorized"}}, nil
	}

	var body callbackBody
	if err := channels.DecodeConfig(req.JSON, &body); err != nil || body.MsgType != "text" || body.Text.Content == "" {
		return &channels.WebhookResponse{Status: http.StatusOK}, nil
	}

	inbound := bus.InboundMessage{
		ID:             body.MsgID,
		Source:         c.ID(),
		UserID:         body.SenderStaffID,
		ConversationID: "dingtalk:" + body.ConversationID,
		Content:        body.Text.Content,
		Metadata: map[string]string{
			"senderNick": body.SenderNick,
			"robotCode":  c.config.RobotCode,
		},
	}
	if err := c.Runtime().RouteMessage(ctx, inbound); err != nil {
		slog.Error("dingtalk.route_failed", "conversation", body.ConversationID, "error", err)
	}
	return &channels.WebhookResponse{Status: http.StatusOK}, nil
}

// Stream renders agent events and pushes the flush through the robot
// message API, chunked to the DingTalk limit.
func (c *Channel) Stream(ctx context.Context, conversationID string, ev bus.StreamEvent) error {
	flush, _ := c.RenderStream(conversationID, ev)
	if flush == "" {
		return nil
	}

	openConvID := conversationID
	if len(openConvID) > len("dingtalk:") {
		openConvID = openConvID[len("dingtalk:"):]
	}

	parts, err := c.SplitForSend(flush)
	if err != nil {
		return err
	}
	for _, part := range parts {
		payload := map[string]any{
			"robotCode":          c.config.RobotCode,
			"openConversationId": openConvID,
			"msgKey":             "sampleText",
			"msgParam":           fmt.Sprintf(`{"content":%q}`, part),
		}
		if err := c.tokens.postJSON(ctx, "/v1.0/robot/groupMessages/send", payload); err != nil {
			return fmt.Errorf("dingtalk: send message: %w", err)
		}
	}
	return nil
}

var _ channels.WebhookChannel = (*Channel)(nil)
