package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Progress event kinds carried inside an envelope.
const (
	KindTextDelta   = "text-delta"
	KindToolCall    = "tool-call"
	KindToolResult  = "tool-result"
	KindStateChange = "state-change"
	KindStatus      = "status"
	KindError       = "error"
	KindDone        = "done"
)

// ProgressEvent is the tagged payload of a progress envelope.
type ProgressEvent struct {
	Kind    string          `json:"kind"`
	Delta   string          `json:"delta,omitempty"`   // text-delta
	Text    string          `json:"text,omitempty"`    // done / state-change
	Name    string          `json:"name,omitempty"`    // tool-call / tool-result
	Message string          `json:"message,omitempty"` // error / status
	Data    json.RawMessage `json:"data,omitempty"`
}

// Envelope wraps every intra-task progress event with ordering metadata.
// Sequence is monotonic per task within a single run; gaps may appear
// across run restarts triggered by steer interventions.
type Envelope struct {
	EventID        string        `json:"eventId"`
	Sequence       uint64        `json:"sequence"`
	TaskID         string        `json:"taskId"`
	ConversationID string        `json:"conversationId"`
	CreatedAt      string        `json:"createdAt"` // ISO-8601 UTC
	Model          string        `json:"model,omitempty"`
	Event          ProgressEvent `json:"event"`
}

// NewEnvelope builds an envelope for a task event with the given sequence.
func NewEnvelope(taskID string, seq uint64, model string, event ProgressEvent) Envelope {
	return Envelope{
		EventID:        uuid.NewString(),
		Sequence:       seq,
		TaskID:         taskID,
		ConversationID: taskID,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Model:          model,
		Event:          event,
	}
}

// PromoteLegacy lifts an un-enveloped progress payload into an envelope.
// Legacy payloads carry no ordering metadata, so sequence is fixed at 0
// and identity fields are synthesised. Compatibility path only.
func PromoteLegacy(taskID string, payload json.RawMessage) Envelope {
	var event ProgressEvent
	if err := json.Unmarshal(payload, &event); err != nil || event.Kind == "" {
		event = ProgressEvent{Kind: KindStatus, Data: payload}
	}
	return Envelope{
		EventID:        uuid.NewString(),
		Sequence:       0,
		TaskID:         taskID,
		ConversationID: taskID,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Event:          event,
	}
}
