package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Message
	}{
		{"connected", &Connected{ID: "node-1", Name: "laptop", Version: "1.2.0", Platform: "darwin", Capabilities: []string{"terminal"}}},
		{"task submit", &TaskSubmit{ID: "task-1-abc123", Goal: "ping", Model: "provider/x"}},
		{"task message", &TaskMessage{ID: "task-1-abc123", Message: "stop and summarise", Mode: ModeSteer}},
		{"task error", &TaskError{ID: "task-1-abc123", Error: "context length exceeded", Model: "provider/x"}},
		{"stream chunk", &TaskStreamChunk{ID: "task-1-abc123", Chunk: "data: {\"type\":\"text-delta\"}\n\n"}},
		{"heartbeat", &Heartbeat{Status: HeartbeatStatus{Platform: "linux", RunningTasks: 2}}},
		{"config ack", &ConfigAck{ConfigVersion: "a1b2c3d4e5f60718", Validations: []ValidationResult{{Category: CategoryLLMKeys, Status: ValidationFailed, Message: "401"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.FrameType() != tt.frame.FrameType() {
				t.Errorf("frame type %q, want %q", decoded.FrameType(), tt.frame.FrameType())
			}
			redata, err := Encode(decoded)
			if err != nil {
				t.Fatalf("re-Encode: %v", err)
			}
			if string(redata) != string(data) {
				t.Errorf("round trip mismatch:\ngot  %s\nwant %s", redata, data)
			}
		})
	}
}

func TestDecode_LegacyAliases(t *testing.T) {
	tests := []struct {
		wire string
		want string
	}{
		{`{"type":"viber:create","id":"t1","goal":"ping"}`, TypeTaskSubmit},
		{`{"type":"viber:stop","id":"t1"}`, TypeTaskStop},
		{`{"type":"viber:message","id":"t1","message":"hi"}`, TypeTaskMessage},
		{`{"type":"viber:started","id":"t1"}`, TypeTaskStarted},
		{`{"type":"viber:completed","id":"t1"}`, TypeTaskCompleted},
		{`{"type":"viber:error","id":"t1","error":"x"}`, TypeTaskError},
		{`{"type":"viber:stream-chunk","id":"t1","chunk":"data"}`, TypeTaskStreamChunk},
	}

	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			msg, err := Decode([]byte(tt.wire))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if msg.FrameType() != tt.want {
				t.Errorf("frame type %q, want %q", msg.FrameType(), tt.want)
			}
			// Re-encoding must produce the canonical name.
			data, _ := Encode(msg)
			if !strings.Contains(string(data), `"type":"`+tt.want+`"`) {
				t.Errorf("re-encoded frame %s missing canonical type %q", data, tt.want)
			}
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"galaxy:warp"}`))
	var unknown *ErrUnknownType
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if unknown.TypeName != "galaxy:warp" {
		t.Errorf("type name %q, want galaxy:warp", unknown.TypeName)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, wire := range []string{``, `{`, `[]`, `{"id":"no-type"}`} {
		if _, err := Decode([]byte(wire)); err == nil {
			t.Errorf("Decode(%q) expected error", wire)
		}
	}
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("task-7-xyz", 42, "provider/x", ProgressEvent{Kind: KindTextDelta, Delta: "hello"})
	if env.TaskID != "task-7-xyz" || env.ConversationID != "task-7-xyz" {
		t.Errorf("conversation id %q must equal task id %q", env.ConversationID, env.TaskID)
	}
	if env.Sequence != 42 {
		t.Errorf("sequence %d, want 42", env.Sequence)
	}
	if env.EventID == "" || env.CreatedAt == "" {
		t.Error("event id and createdAt must be set")
	}
	if !strings.HasSuffix(env.CreatedAt, "Z") {
		t.Errorf("createdAt %q not UTC", env.CreatedAt)
	}
}

func TestPromoteLegacy(t *testing.T) {
	t.Run("recognised payload", func(t *testing.T) {
		env := PromoteLegacy("task-1-abc", json.RawMessage(`{"kind":"text-delta","delta":"hi"}`))
		if env.Sequence != 0 {
			t.Errorf("legacy sequence %d, want 0", env.Sequence)
		}
		if env.Event.Kind != KindTextDelta || env.Event.Delta != "hi" {
			t.Errorf("event not preserved: %+v", env.Event)
		}
	})

	t.Run("opaque payload", func(t *testing.T) {
		env := PromoteLegacy("task-1-abc", json.RawMessage(`{"foo":1}`))
		if env.Event.Kind != KindStatus {
			t.Errorf("kind %q, want status fallback", env.Event.Kind)
		}
		if string(env.Event.Data) != `{"foo":1}` {
			t.Errorf("raw payload not retained: %s", env.Event.Data)
		}
	})
}

func TestTaskProgressEnvelopeFlattens(t *testing.T) {
	frame := &TaskProgress{Envelope: NewEnvelope("task-2-def", 3, "", ProgressEvent{Kind: KindDone})}
	data, err := Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"taskId", "sequence", "eventId", "event"} {
		if _, ok := m[key]; !ok {
			t.Errorf("encoded progress frame missing %q: %s", key, data)
		}
	}
}
