// Package wecom implements the WeCom (WeChat Work) channel over the
// encrypted-XML callback protocol.
package wecom

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/channels"
)

// Config holds the WeCom app credentials.
type Config struct {
	CorpID  string `json:"corpId"`
	AgentID string `json:"agentId"`
	Secret  string `json:"secret"`
	Token   string `json:"token"`
	AESKey  string `json:"aesKey"`
}

// inboundEnvelope is the outer encrypted callback body.
type inboundEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

// inboundMessage is the decrypted message payload.
type inboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
}

// Channel serves WeCom callbacks: URL verification on GET, encrypted
// message events on POST. Replies go out via the message-push API keyed by
// the cached access token.
type Channel struct {
	*channels.BaseChannel
	config Config
	crypto *Crypto
	tokens *tokenClient
}

// New builds the channel, validating the AES key up front.
func New(cfg Config, rc channels.RuntimeContext) (*Channel, error) {
	crypto, err := NewCrypto(cfg.AESKey, cfg.CorpID, cfg.Token)
	if err != nil {
		return nil, err
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("wecom", rc, nil),
		config:      cfg,
		crypto:      crypto,
		tokens:      newTokenClient(cfg.CorpID, cfg.Secret),
	}, nil
}

// Factory returns the registry entry for the wecom channel.
func Factory() *channels.Factory {
	return &channels.Factory{
		ID:          "wecom",
		DisplayName: "WeCom",
		Description: "WeChat Work encrypted-XML callback channel",
		Capability: channels.Capability{
			Transport: channels.TransportWebhook,
			Auth:      "signature+aes",
		},
		Create: func(cfg any, rc channels.RuntimeContext) (channels.Channel, error) {
			var c Config
			if err := channels.DecodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			if c.CorpID == "" || c.Secret == "" || c.Token == "" || c.AESKey == "" {
				return nil, fmt.Errorf("wecom: corpId, secret, token and aesKey are required")
			}
			return New(c, rc)
		},
	}
}

func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	slog.Info("wecom channel started", "corpId", c.config.CorpID, "agentId", c.config.AgentID)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	return nil
}

// WebhookRoutes exposes the callback endpoint: GET for URL verification,
// POST for encrypted message events.
func (c *Channel) WebhookRoutes() []channels.WebhookRoute {
	return []channels.WebhookRoute{
		{Method: "GET", Path: "/wecom", Handler: c.handleVerify},
		{Method: "POST", Path: "/wecom", Handler: c.handleEvent},
	}
}

// handleVerify answers the WeCom URL-verification handshake: check the
// signature, decrypt echostr, return the plaintext.
func (c *Channel) handleVerify(_ context.Context, req *channels.WebhookRequest) (*channels.WebhookResponse, error) {
	sig := req.Query.Get("msg_signature")
	timestamp := req.Query.Get("timestamp")
	nonce := req.Query.Get("nonce")
	echostr := req.Query.Get("echostr")

	if !c.crypto.VerifySignature(sig, timestamp, nonce, echostr) {
		return &channels.WebhookResponse{Status: http.StatusUnauthorized, Body: []byte("signature mismatch")}, nil
	}
	plain, err := c.crypto.Decrypt(echostr)
	if err != nil {
		return nil, fmt.Errorf("wecom: verify decrypt: %w", err)
	}
	return &channels.WebhookResponse{Status: http.StatusOK, Body: plain}, nil
}

// handleEvent decrypts an inbound message event and routes it. WeCom
// retries undelivered callbacks, so the empty-200 ack goes back before the
// task completes; replies are pushed asynchronously.
func (c *Channel) handleEvent(ctx context.Context, req *channels.WebhookRequest) (*channels.WebhookResponse, error) {
	var envelope inboundEnvelope
	if err := xml.Unmarshal(req.Body, &envelope); err != nil {
		return &channels.WebhookResponse{Status: http.StatusBadRequest, Body: []byte("bad xml")}, nil
	}

	sig := req.Query.Get("msg_signature")
	timestamp := req.Query.Get("timestamp")
	nonce := req.Query.Get("nonce")
	if !c.crypto.VerifySignature(sig, timestamp, nonce, envelope.Encrypt) {
		return &channels.WebhookResponse{Status: http.StatusUnauthorized, Body: []byte("signature mismatch")}, nil
	}

	plain, err := c.crypto.Decrypt(envelope.Encrypt)
	if err != nil {
		return nil, fmt.Errorf("wecom: event decrypt: %w", err)
	}

	var msg inboundMessage
	if err := xml.Unmarshal(plain, &msg); err != nil {
		return &channels.WebhookResponse{Status: http.StatusBadRequest, Body: []byte("bad inner xml")}, nil
	}
	if msg.MsgType != "text" || msg.Content == "" {
		return &channels.WebhookResponse{Status: http.StatusOK}, nil
	}

	metadata := map[string]string{
		"msgId":      msg.MsgID,
		"agentId":    envelope.AgentID,
		"createTime": strconv.FormatInt(msg.CreateTime, 10),
	}
	// Multi-account routing header is preserved for the agent, never acted on.
	if accountID := req.Headers.Get("X-Account-ID"); accountID != "" {
		metadata["accountId"] = accountID
	}

	inbound := bus.InboundMessage{
		ID:             msg.MsgID,
		Source:         c.ID(),
		UserID:         msg.FromUserName,
		ConversationID: "wecom:" + msg.FromUserName,
		Content:        msg.Content,
		Metadata:       metadata,
	}
	if err := c.Runtime().RouteMessage(ctx, inbound); err != nil {
		slog.Error("wecom.route_failed", "user", msg.FromUserName, "error", err)
	}
	return &channels.WebhookResponse{Status: http.StatusOK}, nil
}

// Stream renders agent events; on flush the text is chunked to the WeCom
// limit and pushed through the message API.
func (c *Channel) Stream(ctx context.Context, conversationID string, ev bus.StreamEvent) error {
	flush, _ := c.RenderStream(conversationID, ev)
	if flush == "" {
		return nil
	}
	userID := conversationID
	if len(userID) > len("wecom:") {
		userID = userID[len("wecom:"):]
	}

	parts, err := c.SplitForSend(flush)
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := c.pushText(ctx, userID, part); err != nil {
			return err
		}
	}
	return nil
}

// pushText sends one text message through the WeCom message-push API.
func (c *Channel) pushText(ctx context.Context, userID, text string) error {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("wecom: access token: %w", err)
	}
	payload := map[string]any{
		"touser":  userID,
		"msgtype": "text",
		"agentid": c.config.AgentID,
		"text":    map[string]string{"content": text},
	}
	if err := c.tokens.postJSON(ctx, "/cgi-bin/message/send?access_token="+token, payload); err != nil {
		return fmt.Errorf("wecom: push message: %w", err)
	}
	slog.Debug("wecom.message_sent", "user", userID, "chars", len(text))
	return nil
}

var _ channels.WebhookChannel = (*Channel)(nil)
