package web

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/channels"
)

type captureRuntime struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
	fail error
}

func (c *captureRuntime) RouteMessage(_ context.Context, msg bus.InboundMessage) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *captureRuntime) HandleInterrupt(context.Context, string, string) error { return nil }

func TestHandleMessage(t *testing.T) {
	rt := &captureRuntime{}
	ch := New(rt)

	body, _ := json.Marshal(map[string]string{"conversationId": "c1", "content": "hello"})
	resp, err := ch.handleMessage(context.Background(), &channels.WebhookRequest{Body: body})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 0 && resp.Status != 200 {
		t.Errorf("status %d", resp.Status)
	}
	if len(rt.msgs) != 1 || rt.msgs[0].ConversationID != "web:c1" {
		t.Fatalf("routed %+v", rt.msgs)
	}

	// Missing content is a 400.
	resp, _ = ch.handleMessage(context.Background(), &channels.WebhookRequest{Body: []byte(`{}`)})
	if resp.Status != 400 {
		t.Errorf("empty content: status %d, want 400", resp.Status)
	}

	// Missing conversation id gets one generated.
	body, _ = json.Marshal(map[string]string{"content": "hi"})
	resp, _ = ch.handleMessage(context.Background(), &channels.WebhookRequest{Body: body})
	out := resp.JSON.(map[string]string)
	if out["conversationId"] == "" {
		t.Error("no conversation id generated")
	}
}

func TestStream_FanOutAndTerminalClose(t *testing.T) {
	ch := New(&captureRuntime{})
	sub := ch.Subscribe("c1")

	ch.Stream(context.Background(), "web:c1", bus.StreamEvent{Type: bus.StreamTextDelta, Delta: "a"})
	ch.Stream(context.Background(), "web:c1", bus.StreamEvent{Type: bus.StreamDone, Text: "a"})

	var got []bus.StreamEvent
	for ev := range sub {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Delta != "a" || got[1].Type != bus.StreamDone {
		t.Errorf("events %+v", got)
	}

	// Terminal dropped the subscriber list.
	ch.mu.Lock()
	n := len(ch.subs)
	ch.mu.Unlock()
	if n != 0 {
		t.Errorf("%d subscriber lists left after terminal", n)
	}
}
