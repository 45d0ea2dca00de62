// Package web implements the browser-facing channel: a plain JSON webhook
// for inbound messages and an SSE stream for agent output.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/channels"
)

// Config is empty today; the web channel needs no credentials.
type Config struct{}

// Channel serves POST /web/message and per-conversation SSE subscribers.
// Unlike the platform channels it forwards raw stream events instead of
// buffering, so the browser renders deltas as they arrive.
type Channel struct {
	*channels.BaseChannel

	mu   sync.Mutex
	subs map[string][]chan bus.StreamEvent // conversation id → subscribers
}

// New builds the channel.
func New(rc channels.RuntimeContext) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("web", rc, nil),
		subs:        make(map[string][]chan bus.StreamEvent),
	}
}

// Factory returns the registry entry for the web channel.
func Factory() *channels.Factory {
	return &channels.Factory{
		ID:          "web",
		DisplayName: "Web",
		Description: "Browser channel with JSON webhook + SSE stream",
		Capability: channels.Capability{
			Transport: channels.TransportSSE,
		},
		Create: func(_ any, rc channels.RuntimeContext) (channels.Channel, error) {
			return New(rc), nil
		},
	}
}

func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	c.mu.Lock()
	for _, subs := range c.subs {
		for _, sub := range subs {
			close(sub)
		}
	}
	c.subs = make(map[string][]chan bus.StreamEvent)
	c.mu.Unlock()
	return nil
}

// WebhookRoutes exposes the message-submit endpoint. The SSE stream is
// served by Attach through the gateway's HTTP mux since the normalised
// webhook router cannot hold a response open.
func (c *Channel) WebhookRoutes() []channels.WebhookRoute {
	return []channels.WebhookRoute{
		{Method: "POST", Path: "/web/message", Handler: c.handleMessage},
	}
}

func (c *Channel) handleMessage(ctx context.Context, req *channels.WebhookRequest) (*channels.WebhookResponse, error) {
	var body struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
		UserID         string `json:"userId"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil || body.Content == "" {
		return &channels.WebhookResponse{Status: http.StatusBadRequest, JSON: map[string]string{"error": "content is required"}}, nil
	}
	if body.ConversationID == "" {
		body.ConversationID = uuid.NewString()
	}

	inbound := bus.InboundMessage{
		ID:             uuid.NewString(),
		Source:         c.ID(),
		UserID:         body.UserID,
		ConversationID: "web:" + body.ConversationID,
		Content:        body.Content,
	}
	if err := c.Runtime().RouteMessage(ctx, inbound); err != nil {
		return &channels.WebhookResponse{Status: http.StatusServiceUnavailable, JSON: map[string]string{"error": err.Error()}}, nil
	}
	return &channels.WebhookResponse{JSON: map[string]string{"conversationId": body.ConversationID}}, nil
}

// Subscribe registers an SSE consumer for a conversation. The returned
// channel closes when the task ends or the web channel stops.
func (c *Channel) Subscribe(conversationID string) <-chan bus.StreamEvent {
	sub := make(chan bus.StreamEvent, 64)
	key := "web:" + conversationID
	c.mu.Lock()
	c.subs[key] = append(c.subs[key], sub)
	c.mu.Unlock()
	return sub
}

// ServeStream writes one conversation's events as SSE until the stream
// ends or the client disconnects.
func (c *Channel) ServeStream(w http.ResponseWriter, r *http.Request, conversationID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := c.Subscribe(conversationID)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
			if ev.Type == bus.StreamDone || ev.Type == bus.StreamError {
				return
			}
		}
	}
}

// Stream forwards every event to the conversation's subscribers; terminal
// events also close and drop them.
func (c *Channel) Stream(_ context.Context, conversationID string, ev bus.StreamEvent) error {
	c.mu.Lock()
	subs := c.subs[conversationID]
	terminal := ev.Type == bus.StreamDone || ev.Type == bus.StreamError
	if terminal {
		delete(c.subs, conversationID)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
			// Slow subscriber; drop rather than block the pump.
		}
		if terminal {
			close(sub)
		}
	}
	return nil
}

var _ channels.WebhookChannel = (*Channel)(nil)
