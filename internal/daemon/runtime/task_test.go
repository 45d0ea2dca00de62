package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openviber/openviber/internal/bus"
)

// scriptRunner hands each turn to a per-call script and records the
// messages it was given.
type scriptRunner struct {
	mu    sync.Mutex
	calls []string
	turn  func(ctx context.Context, call int, req TurnRequest, emit func(bus.StreamEvent)) (string, error)
}

func (r *scriptRunner) Run(ctx context.Context, req TurnRequest, emit func(bus.StreamEvent)) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req.Message)
	call := len(r.calls)
	r.mu.Unlock()
	return r.turn(ctx, call, req, emit)
}

func (r *scriptRunner) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func collectEvents(t *testing.T, task *Task) []bus.StreamEvent {
	t.Helper()
	var events []bus.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-task.Events():
			if !open {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out collecting events (have %d)", len(events))
		}
	}
}

func startTask(t *testing.T, runner Runner, goal string) (*Runtime, *Task) {
	t.Helper()
	rt := New(runner, nil)
	handle, err := rt.Submit(context.Background(), rt.NewTaskID(), TurnRequest{Message: goal})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return rt, handle
}

func TestTask_HappyPath(t *testing.T) {
	runner := &scriptRunner{
		turn: func(_ context.Context, _ int, _ TurnRequest, emit func(bus.StreamEvent)) (string, error) {
			emit(bus.StreamEvent{Type: bus.StreamTextDelta, Delta: "hello "})
			emit(bus.StreamEvent{Type: bus.StreamTextDelta, Delta: "world"})
			return "hello world", nil
		},
	}
	_, task := startTask(t, runner, "say hello")

	events := collectEvents(t, task)
	if len(events) != 3 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[2].Type != bus.StreamDone || events[2].Text != "hello world" {
		t.Errorf("final event %+v", events[2])
	}
	if task.State() != StateDone {
		t.Errorf("state %q", task.State())
	}
	if task.IsRunning() {
		t.Error("task still running after done")
	}
}

func TestTask_FollowupRunsSecondTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &scriptRunner{
		turn: func(_ context.Context, call int, _ TurnRequest, _ func(bus.StreamEvent)) (string, error) {
			if call == 1 {
				close(started)
				<-release
				return "first answer", nil
			}
			return "second answer", nil
		},
	}
	_, task := startTask(t, runner, "initial goal")

	<-started
	if err := task.Send(context.Background(), "and another thing", "followup"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	close(release)

	events := collectEvents(t, task)
	last := events[len(events)-1]
	if last.Type != bus.StreamDone || last.Text != "second answer" {
		t.Errorf("final event %+v", last)
	}
	msgs := runner.messages()
	if len(msgs) != 2 || msgs[1] != "and another thing" {
		t.Errorf("turn messages %v", msgs)
	}
	// user followup + two assistant turns
	if n := task.MessageCount(); n != 3 {
		t.Errorf("history length %d, want 3", n)
	}
}

func TestTask_SteerAbortsCurrentTurn(t *testing.T) {
	started := make(chan struct{})
	runner := &scriptRunner{
		turn: func(ctx context.Context, call int, req TurnRequest, _ func(bus.StreamEvent)) (string, error) {
			if call == 1 {
				close(started)
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "steered answer", nil
		},
	}
	_, task := startTask(t, runner, "original goal")

	<-started
	if err := task.Send(context.Background(), "no, do this instead", "steer"); err != nil {
		t.Fatalf("Send steer: %v", err)
	}

	events := collectEvents(t, task)
	interrupted := -1
	for i, ev := range events {
		if ev.Type == bus.StreamError {
			t.Fatalf("steer abort surfaced as error: %+v", ev)
		}
		if ev.Type == bus.StreamStatus && ev.Message == "interrupted" {
			interrupted = i
		}
	}
	last := events[len(events)-1]
	if last.Type != bus.StreamDone || last.Text != "steered answer" {
		t.Errorf("final event %+v", last)
	}
	// The interruption is recorded between the aborted and steered runs.
	if interrupted < 0 || interrupted >= len(events)-1 {
		t.Errorf("interrupted status at index %d of %d events", interrupted, len(events))
	}
	msgs := runner.messages()
	if len(msgs) != 2 || msgs[1] != "no, do this instead" {
		t.Errorf("turn messages %v", msgs)
	}
}

func TestTask_CollectCoalesces(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &scriptRunner{
		turn: func(_ context.Context, call int, _ TurnRequest, _ func(bus.StreamEvent)) (string, error) {
			if call == 1 {
				close(started)
				<-release
				return "first", nil
			}
			return "merged", nil
		},
	}
	_, task := startTask(t, runner, "goal")

	<-started
	for _, m := range []string{"note one", "note two", "note three"} {
		if err := task.Send(context.Background(), m, "collect"); err != nil {
			t.Fatalf("Send collect: %v", err)
		}
	}
	close(release)

	collectEvents(t, task)
	msgs := runner.messages()
	if len(msgs) != 2 {
		t.Fatalf("turn messages %v", msgs)
	}
	if msgs[1] != "note one\nnote two\nnote three" {
		t.Errorf("collect buffer merged as %q", msgs[1])
	}
}

func TestTask_ErrorSurfaced(t *testing.T) {
	runner := &scriptRunner{
		turn: func(context.Context, int, TurnRequest, func(bus.StreamEvent)) (string, error) {
			return "", errors.New("model exploded")
		},
	}
	_, task := startTask(t, runner, "goal")

	events := collectEvents(t, task)
	if len(events) != 1 || events[0].Type != bus.StreamError || events[0].Message != "model exploded" {
		t.Errorf("events %+v", events)
	}
}

func TestTask_ExternalStopEmitsNothing(t *testing.T) {
	started := make(chan struct{})
	runner := &scriptRunner{
		turn: func(ctx context.Context, _ int, _ TurnRequest, _ func(bus.StreamEvent)) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	rt, task := startTask(t, runner, "goal")

	<-started
	task.Stop(context.Background())

	events := collectEvents(t, task)
	if len(events) != 0 {
		t.Errorf("stopped task emitted %+v", events)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rt.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rt.ActiveCount() != 0 {
		t.Error("task still tracked after stop")
	}
}

func TestTask_ErrorFrameSniffing(t *testing.T) {
	frame, _ := json.Marshal(map[string]string{"type": "error", "errorText": "quota exceeded for model"})
	runner := &scriptRunner{
		turn: func(_ context.Context, _ int, _ TurnRequest, emit func(bus.StreamEvent)) (string, error) {
			emit(bus.StreamEvent{Type: bus.StreamStateChange, Payload: frame})
			return "", ErrNoOutput
		},
	}
	_, task := startTask(t, runner, "goal")

	events := collectEvents(t, task)
	last := events[len(events)-1]
	if last.Type != bus.StreamError {
		t.Fatalf("final event %+v", last)
	}
	if !strings.Contains(last.Message, "quota exceeded for model") {
		t.Errorf("sniffed text missing from error: %q", last.Message)
	}
	if !strings.Contains(last.Message, ErrNoOutput.Error()) {
		t.Errorf("original error identity lost: %q", last.Message)
	}
}

func TestSniffErrorFrame(t *testing.T) {
	if msg, ok := SniffErrorFrame([]byte(`{"type":"error","errorText":"boom"}`)); !ok || msg != "boom" {
		t.Errorf("got %q %v", msg, ok)
	}
	if _, ok := SniffErrorFrame([]byte(`{"type":"text-delta","delta":"x"}`)); ok {
		t.Error("non-error frame sniffed")
	}
	if _, ok := SniffErrorFrame([]byte(`not json`)); ok {
		t.Error("garbage sniffed")
	}
}

func TestRuntime_IDsAndDuplicates(t *testing.T) {
	rt := New(&scriptRunner{turn: func(ctx context.Context, _ int, _ TurnRequest, _ func(bus.StreamEvent)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}, nil)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := rt.NewTaskID()
		if !strings.HasPrefix(id, "task-") {
			t.Fatalf("id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task, err := rt.Submit(ctx, "task-fixed", TurnRequest{Message: "goal"})
	if err != nil {
		t.Fatal(err)
	}
	if task.ID() != "task-fixed" {
		t.Errorf("task id %q", task.ID())
	}
	if _, err := rt.Submit(ctx, "task-fixed", TurnRequest{Message: "goal"}); err == nil {
		t.Error("duplicate id accepted")
	}

	running := rt.Running()
	if len(running) != 1 || running[0].TaskID != "task-fixed" || running[0].Goal != "goal" {
		t.Errorf("Running() = %+v", running)
	}

	if _, err := rt.Submit(ctx, rt.NewTaskID(), TurnRequest{}); err == nil {
		t.Error("empty goal accepted")
	}
}
