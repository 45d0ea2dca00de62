// Package bus holds the shared message types exchanged between channels
// and the task runtime. Channels and the runtime depend on this package
// instead of each other, which keeps the dependency graph acyclic.
package bus

import (
	"context"
	"encoding/json"
)

// Attachment kinds for inbound messages.
const (
	AttachmentFile  = "file"
	AttachmentImage = "image"
	AttachmentAudio = "audio"
	AttachmentVideo = "video"
)

// Attachment is a typed media payload, carried by URL or inline bytes.
type Attachment struct {
	Kind string `json:"kind"`
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
	Name string `json:"name,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// InboundMessage is a normalised message received from a channel.
type InboundMessage struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"` // channel id
	UserID         string            `json:"userId"`
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Stream event types produced by the task runtime.
const (
	StreamTextDelta   = "text-delta"
	StreamToolCall    = "tool-call"
	StreamToolResult  = "tool-result"
	StreamStateChange = "state-change"
	StreamStatus      = "status"
	StreamError       = "error"
	StreamDone        = "done"
)

// StreamEvent is one tagged agent output event routed to a channel.
type StreamEvent struct {
	Type    string          `json:"type"`
	Delta   string          `json:"delta,omitempty"`   // text-delta
	Text    string          `json:"text,omitempty"`    // done: final text
	Name    string          `json:"name,omitempty"`    // tool-call / tool-result
	Message string          `json:"message,omitempty"` // error / status / state-change
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskHandle is a live task the channel manager can talk to.
type TaskHandle interface {
	// ID returns the task ("viber") id.
	ID() string

	// Send injects a user message under the given intervention mode
	// (followup, steer, or collect).
	Send(ctx context.Context, message, mode string) error

	// Events yields the agent stream until a done or error event,
	// after which the channel is closed.
	Events() <-chan StreamEvent

	// Stop aborts the task.
	Stop(ctx context.Context) error
}

// TaskRunner starts tasks on behalf of conversations. Implemented by the
// daemon runtime; the channel manager only sees this capability.
type TaskRunner interface {
	StartTask(ctx context.Context, goal string, history []HistoryEntry) (TaskHandle, error)
}

// HistoryEntry is one prior turn supplied as chat context at submit time.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
