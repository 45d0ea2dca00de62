// Package channels provides the channel abstraction layer bridging
// external messaging platforms to the task runtime. A channel normalises
// platform events into bus.InboundMessage, hands them to its
// RuntimeContext, and renders the agent's stream events back onto the
// platform with per-conversation buffering and size-aware chunking.
package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/chunk"
)

// Transport kinds declared in factory capability metadata.
const (
	TransportWebhook   = "webhook"
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Channel is the interface every platform adapter satisfies.
type Channel interface {
	// ID returns the channel identifier (e.g. "discord", "wecom").
	ID() string

	// Start begins listening for platform events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Stream delivers one agent event for a conversation owned by this
	// channel. Called by the channel manager.
	Stream(ctx context.Context, conversationID string, ev bus.StreamEvent) error
}

// Interruptible is implemented by channels that accept interrupt signals
// (e.g. a platform-native stop command).
type Interruptible interface {
	HandleInterrupt(ctx context.Context, conversationID, signal string) error
}

// WebhookRoute is one HTTP route a webhook-transport channel exposes.
type WebhookRoute struct {
	Method  string
	Path    string
	Handler func(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error)
}

// WebhookChannel is implemented by channels reached via inbound HTTP.
type WebhookChannel interface {
	Channel
	WebhookRoutes() []WebhookRoute
}

// RuntimeContext is the capability a channel uses to reach the runtime.
// Channels never hold a reference to the manager or a task directly.
type RuntimeContext interface {
	// RouteMessage forwards a normalised inbound message; the manager
	// attaches it to the conversation's task, starting one if needed.
	RouteMessage(ctx context.Context, msg bus.InboundMessage) error

	// HandleInterrupt aborts the task bound to a conversation.
	HandleInterrupt(ctx context.Context, conversationID, signal string) error
}

// Capability describes a channel factory for discovery surfaces.
type Capability struct {
	Transport string   `json:"transport"` // webhook, websocket, sse
	Auth      string   `json:"auth,omitempty"`
	Controls  []string `json:"controls,omitempty"`
}

// Factory creates channel instances from configuration.
type Factory struct {
	ID          string
	DisplayName string
	Description string
	Capability  Capability
	Create      func(cfg any, rc RuntimeContext) (Channel, error)
}

// BaseChannel provides the shared plumbing for channel implementations:
// identity, runtime context, allowlist checks, and the per-conversation
// text-delta buffer. Implementations embed it.
type BaseChannel struct {
	id      string
	rc      RuntimeContext
	limit   int // chunk limit in code points
	running bool

	allowUsers []string

	mu   sync.Mutex
	bufs map[string]*strings.Builder // conversation id → accumulated deltas
}

// NewBaseChannel creates the shared channel core.
func NewBaseChannel(id string, rc RuntimeContext, allowUsers []string) *BaseChannel {
	return &BaseChannel{
		id:         id,
		rc:         rc,
		limit:      chunk.LimitFor(id),
		allowUsers: allowUsers,
		bufs:       make(map[string]*strings.Builder),
	}
}

// ID returns the channel id.
func (c *BaseChannel) ID() string { return c.id }

// Runtime returns the runtime context capability.
func (c *BaseChannel) Runtime() RuntimeContext { return c.rc }

// ChunkLimit returns the platform message size limit in code points.
func (c *BaseChannel) ChunkLimit() int { return c.limit }

// IsRunning reports whether the channel is processing events.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// UserAllowed checks the per-user allowlist. An empty allowlist admits
// every sender.
func (c *BaseChannel) UserAllowed(userID string) bool {
	if len(c.allowUsers) == 0 {
		return true
	}
	for _, a := range c.allowUsers {
		if a == userID || strings.TrimPrefix(a, "@") == userID {
			return true
		}
	}
	return false
}

// AppendDelta accumulates a text delta for a conversation.
func (c *BaseChannel) AppendDelta(conversationID, delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bufs[conversationID]
	if !ok {
		b = &strings.Builder{}
		c.bufs[conversationID] = b
	}
	b.WriteString(delta)
}

// TakeBuffer returns the accumulated text for a conversation and clears
// its state. Used on done (flush) and on error/stop (drop).
func (c *BaseChannel) TakeBuffer(conversationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bufs[conversationID]
	if !ok {
		return ""
	}
	delete(c.bufs, conversationID)
	return b.String()
}

// RenderStream applies the standard buffering policy for a stream event:
// deltas accumulate, done flushes the buffer (falling back to the event's
// final text), error drops the buffer and returns a formatted error
// message. The returned flush text is empty when nothing should be sent.
func (c *BaseChannel) RenderStream(conversationID string, ev bus.StreamEvent) (flush string, isErr bool) {
	switch ev.Type {
	case bus.StreamTextDelta:
		c.AppendDelta(conversationID, ev.Delta)
		return "", false
	case bus.StreamDone:
		text := c.TakeBuffer(conversationID)
		if text == "" {
			text = ev.Text
		}
		return text, false
	case bus.StreamError:
		c.TakeBuffer(conversationID)
		msg := ev.Message
		if msg == "" {
			msg = "task failed"
		}
		return "Error: " + msg, true
	default:
		return "", false
	}
}

// SplitForSend chunks text to the channel's platform limit.
func (c *BaseChannel) SplitForSend(text string) ([]string, error) {
	parts, err := chunk.Split(text, c.limit)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", c.id, err)
	}
	return parts, nil
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
