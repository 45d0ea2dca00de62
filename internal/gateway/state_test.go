package gateway

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/openviber/openviber/pkg/protocol"
)

func TestViber_TerminalStateIsSticky(t *testing.T) {
	state := NewState()
	v := state.CreateViber("task-1-abc", "node-1", "do the thing", "")

	v.MarkStarted()
	if v.CurrentState() != StateRunning {
		t.Fatalf("state %s", v.CurrentState())
	}

	v.MarkCompleted(&protocol.TaskResult{Text: "done"})
	if v.CurrentState() != StateCompleted {
		t.Fatalf("state %s", v.CurrentState())
	}

	// A late frame from a slow daemon must not revive the task.
	v.MarkStarted()
	v.MarkError("too late")
	v.MarkStopped()
	v.AppendChunk([]byte("data: stale\n\n"))
	v.AppendProgress(protocol.NewEnvelope("task-1-abc", 9, "", protocol.ProgressEvent{Kind: protocol.KindTextDelta, Delta: "x"}))

	if v.CurrentState() != StateCompleted {
		t.Errorf("state changed after terminal: %s", v.CurrentState())
	}
	if v.CurrentPartialText() != "done" {
		t.Errorf("partialText %q", v.CurrentPartialText())
	}
	if len(v.StreamChunks()) != 0 {
		t.Error("chunk appended after terminal")
	}
}

func TestViber_ChunkEviction(t *testing.T) {
	state := NewState()
	v := state.CreateViber("task-1-abc", "node-1", "stream a lot", "")
	v.MarkStarted()

	first := []byte("data: first-chunk-marker\n\n")
	v.AppendChunk(first)

	chunk := bytes.Repeat([]byte("x"), 99_000)
	for i := 0; i < 30; i++ { // ~2.9 MB total
		v.AppendChunk(chunk)
	}

	// The cap is an exact bound, not a power-of-two approximation.
	if got := v.StreamBytes(); got > 2_000_000 {
		t.Errorf("buffered %d bytes, cap 2000000", got)
	}
	for _, c := range v.StreamChunks() {
		if bytes.Contains(c, []byte("first-chunk-marker")) {
			t.Error("oldest chunk survived eviction")
		}
	}
}

func TestViber_ProgressRingAndPartialText(t *testing.T) {
	state := NewState()
	v := state.CreateViber("task-1-abc", "node-1", "g", "")
	v.MarkStarted()

	for i := 0; i < maxTaskEvents+100; i++ {
		v.AppendProgress(protocol.NewEnvelope("task-1-abc", uint64(i), "", protocol.ProgressEvent{
			Kind:  protocol.KindTextDelta,
			Delta: "a",
		}))
	}

	events := v.Progress()
	if len(events) != maxTaskEvents {
		t.Errorf("ring holds %d events", len(events))
	}
	if events[0].Sequence != 100 {
		t.Errorf("oldest surviving sequence %d", events[0].Sequence)
	}

	v.AppendProgress(protocol.NewEnvelope("task-1-abc", 9999, "", protocol.ProgressEvent{
		Kind:  protocol.KindTextDelta,
		Delta: strings.Repeat("b", maxPartialText),
	}))
	if got := len(v.CurrentPartialText()); got != maxPartialText {
		t.Errorf("partialText length %d", got)
	}
	if !strings.HasSuffix(v.CurrentPartialText(), "b") {
		t.Error("partialText did not keep the tail")
	}
}

func TestViber_PartialTextTruncatesOnRuneBoundaries(t *testing.T) {
	state := NewState()
	v := state.CreateViber("task-1-abc", "node-1", "g", "")
	v.MarkStarted()

	// Three-byte runes past the cap: a byte-based cut would tear one.
	for i := 0; i < 3; i++ {
		v.AppendProgress(protocol.NewEnvelope("task-1-abc", uint64(i), "", protocol.ProgressEvent{
			Kind:  protocol.KindTextDelta,
			Delta: strings.Repeat("界", 7000),
		}))
	}

	got := v.CurrentPartialText()
	if !utf8.ValidString(got) {
		t.Fatal("partialText is invalid UTF-8 after truncation")
	}
	if n := utf8.RuneCountInString(got); n != maxPartialText {
		t.Errorf("partialText holds %d code points, cap %d", n, maxPartialText)
	}
}

func TestViber_ErrorEnvelopeRecordedBeforeTerminal(t *testing.T) {
	state := NewState()
	v := state.CreateViber("task-1-abc", "node-1", "g", "")
	v.MarkStarted()
	v.AppendProgress(protocol.NewEnvelope("task-1-abc", 4, "", protocol.ProgressEvent{
		Kind: protocol.KindTextDelta, Delta: "partial",
	}))

	v.AppendErrorEvent("gpt-x", "model exploded")
	v.MarkError("model exploded")

	events := v.Progress()
	last := events[len(events)-1]
	if last.Event.Kind != protocol.KindError || last.Event.Message != "model exploded" {
		t.Fatalf("last event %+v", last.Event)
	}
	if last.Sequence != 5 {
		t.Errorf("error envelope sequence %d", last.Sequence)
	}

	// Once terminal, further appends are refused.
	v.AppendErrorEvent("", "late")
	if got := v.Progress(); len(got) != len(events) {
		t.Error("error envelope appended after terminal")
	}
}

func TestViber_SubscribeReplayThenLive(t *testing.T) {
	state := NewState()
	v := state.CreateViber("task-1-abc", "node-1", "g", "")
	v.MarkStarted()
	v.AppendChunk([]byte("data: one\n\n"))
	v.AppendChunk([]byte("data: two\n\n"))

	replay, live := v.Subscribe()
	if len(replay) != 2 {
		t.Fatalf("replay %d chunks", len(replay))
	}
	if live == nil {
		t.Fatal("no live subscription for a running task")
	}
	defer v.Unsubscribe(live)

	v.AppendChunk([]byte("data: three\n\n"))
	select {
	case chunk := <-live.ch:
		if string(chunk) != "data: three\n\n" {
			t.Errorf("live chunk %q", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("live chunk never arrived")
	}

	v.MarkCompleted(nil)
	select {
	case <-live.closed:
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on completion")
	}

	// Terminal task: replay only.
	replay2, live2 := v.Subscribe()
	if live2 != nil {
		t.Error("live subscription handed out for terminal task")
	}
	if len(replay2) != 3 {
		t.Errorf("terminal replay %d chunks", len(replay2))
	}
}

func TestViber_ResetForResubmit(t *testing.T) {
	state := NewState()
	v := state.CreateViber("task-1-abc", "node-1", "old goal", "")
	v.MarkStarted()
	v.AppendChunk([]byte("data: x\n\n"))
	_, live := v.Subscribe()
	v.MarkError("boom")

	v.ResetForResubmit("new goal")
	if v.CurrentState() != StatePending {
		t.Errorf("state %s", v.CurrentState())
	}
	if v.Goal != "new goal" {
		t.Errorf("goal %q", v.Goal)
	}
	if len(v.StreamChunks()) != 0 || v.CurrentPartialText() != "" {
		t.Error("buffers survived reset")
	}
	select {
	case <-live.closed:
	default:
		t.Error("subscriber not closed by reset")
	}
}

func TestState_SecondSocketWins(t *testing.T) {
	state := NewState()
	first := &Node{ID: "node-1", waiters: map[string]chan protocol.HeartbeatStatus{}}
	second := &Node{ID: "node-1", waiters: map[string]chan protocol.HeartbeatStatus{}}

	if replaced := state.AddNode(first); replaced != nil {
		t.Fatal("unexpected replacement")
	}
	if replaced := state.AddNode(second); replaced != first {
		t.Fatal("second socket did not replace the first")
	}

	// The stale connection's teardown must not evict the winner.
	state.RemoveNode(first)
	if got, ok := state.GetNode("node-1"); !ok || got != second {
		t.Error("winner evicted by loser teardown")
	}

	state.RemoveNode(second)
	if _, ok := state.GetNode("node-1"); ok {
		t.Error("node still registered")
	}
}

func TestState_EventsRingAndQuery(t *testing.T) {
	state := NewState()
	for i := 0; i < maxSystemEvents+50; i++ {
		state.Emit(Event{Category: "system", Level: "info", Name: fmt.Sprintf("ev-%d", i)})
	}

	all := state.Events(1000, time.Time{})
	if len(all) != maxSystemEvents {
		t.Errorf("ring holds %d events", len(all))
	}
	// Descending by time: newest first.
	if all[0].Name != fmt.Sprintf("ev-%d", maxSystemEvents+49) {
		t.Errorf("newest event %s", all[0].Name)
	}
	for i := 1; i < len(all); i++ {
		if all[i].At.After(all[i-1].At) {
			t.Fatal("events not descending")
		}
	}

	limited := state.Events(5, time.Time{})
	if len(limited) != 5 {
		t.Errorf("limit ignored: %d", len(limited))
	}

	cutoff := all[10].At
	since := state.Events(1000, cutoff)
	if len(since) > 10 {
		t.Errorf("since filter returned %d events", len(since))
	}
	for _, ev := range since {
		if !ev.At.After(cutoff) {
			t.Errorf("event %s at %v not after cutoff %v", ev.Name, ev.At, cutoff)
		}
	}
}

func TestState_NodeDisconnectFreezesTasks(t *testing.T) {
	state := NewState()
	node := &Node{ID: "node-1", waiters: map[string]chan protocol.HeartbeatStatus{}}
	state.AddNode(node)

	v := state.CreateViber("task-1-abc", "node-1", "g", "")
	v.MarkStarted()
	_, live := v.Subscribe()

	state.RemoveNode(node)
	select {
	case <-live.closed:
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed on node loss")
	}
	// State freezes rather than flipping to error.
	if v.CurrentState() != StateRunning {
		t.Errorf("state %s", v.CurrentState())
	}
}
