package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openviber/openviber/internal/bus"
)

// Task states.
const (
	StateIdle      = "idle"
	StateExecuting = "executing"
	StateDraining  = "drain_interventions"
	StateDone      = "done"
)

// Task is one running task: a goal, a turn loop, and intervention queues.
// It satisfies bus.TaskHandle for the channel manager and is driven the
// same way by the daemon controller.
type Task struct {
	id     string
	goal   string
	model  string
	runner Runner
	tracer trace.Tracer

	events chan bus.StreamEvent

	mu         sync.Mutex
	state      string
	queue      []string // pending interventions; steer prepends
	collect    []string // coalescing buffer
	history    []bus.HistoryEntry
	stopped    bool
	turnCancel context.CancelFunc

	req  TurnRequest // template carrying model/env/settings per turn
	done chan struct{}
}

// newTask builds a task; run() must be started by the owner.
func newTask(id string, req TurnRequest, runner Runner, tracer trace.Tracer) *Task {
	return &Task{
		id:      id,
		goal:    req.Message,
		model:   req.Model,
		runner:  runner,
		tracer:  tracer,
		events:  make(chan bus.StreamEvent, 64),
		state:   StateIdle,
		history: append([]bus.HistoryEntry(nil), req.History...),
		req:     req,
		done:    make(chan struct{}),
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Goal returns the submitted goal text.
func (t *Task) Goal() string { return t.goal }

// Model returns the model hint, if any.
func (t *Task) Model() string { return t.model }

// Events yields the agent stream until a done or error event.
func (t *Task) Events() <-chan bus.StreamEvent { return t.events }

// State reports the current loop state.
func (t *Task) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsRunning reports whether the turn loop is still alive.
func (t *Task) IsRunning() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// MessageCount reports the persisted history length.
func (t *Task) MessageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

// Send injects a user message under the given intervention mode.
func (t *Task) Send(_ context.Context, message, mode string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDone {
		return fmt.Errorf("task %s is terminal", t.id)
	}

	switch mode {
	case "steer":
		// Prepend and abort the current turn; the loop picks this up next.
		t.queue = append([]string{message}, t.queue...)
		t.history = append(t.history, bus.HistoryEntry{Role: "user", Content: message})
		if t.turnCancel != nil {
			t.turnCancel()
		}
	case "collect":
		t.collect = append(t.collect, message)
		t.history = append(t.history, bus.HistoryEntry{Role: "user", Content: message})
	case "followup", "":
		t.queue = append(t.queue, message)
		t.history = append(t.history, bus.HistoryEntry{Role: "user", Content: message})
	default:
		return fmt.Errorf("task %s: unknown intervention mode %q", t.id, mode)
	}
	return nil
}

// Stop aborts the task externally: cancel the current turn and mark
// stopped so the loop exits without a completion event.
func (t *Task) Stop(context.Context) error {
	t.mu.Lock()
	t.stopped = true
	if t.turnCancel != nil {
		t.turnCancel()
	}
	t.mu.Unlock()
	return nil
}

func (t *Task) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// dequeue pops the next intervention: FIFO queue first, then the merged
// collect buffer joined by newlines. ok=false means nothing is pending.
func (t *Task) dequeue() (msg string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) > 0 {
		msg = t.queue[0]
		t.queue = t.queue[1:]
		return msg, true
	}
	if len(t.collect) > 0 {
		msg = strings.Join(t.collect, "\n")
		t.collect = nil
		return msg, true
	}
	return "", false
}

// run drives the turn loop until done. Called once, in its own goroutine.
func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.events)
	defer t.setState(StateDone)

	next := t.goal
	for {
		text, err := t.runTurn(ctx, next)

		if err != nil {
			if t.isStopped() {
				// External stop: no completion event, just exit.
				return
			}
			if errors.Is(err, context.Canceled) {
				// Steer abort: mark the interruption in the event stream,
				// then loop back to the steered message.
				if msg, ok := t.dequeue(); ok {
					t.events <- bus.StreamEvent{Type: bus.StreamStatus, Message: "interrupted"}
					next = msg
					continue
				}
				// Cancelled with nothing queued (parent ctx gone).
				return
			}
			t.events <- bus.StreamEvent{Type: bus.StreamError, Message: err.Error()}
			return
		}

		t.mu.Lock()
		if text != "" {
			t.history = append(t.history, bus.HistoryEntry{Role: "assistant", Content: text})
		}
		t.mu.Unlock()

		t.setState(StateDraining)
		if msg, ok := t.dequeue(); ok {
			next = msg
			continue
		}

		t.events <- bus.StreamEvent{Type: bus.StreamDone, Text: text}
		return
	}
}

// runTurn executes one model turn with abort wiring and error-frame
// sniffing.
func (t *Task) runTurn(ctx context.Context, message string) (string, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	t.state = StateExecuting
	t.turnCancel = cancel
	req := t.req
	req.Message = message
	req.History = append([]bus.HistoryEntry(nil), t.history...)
	t.mu.Unlock()

	var span trace.Span
	if t.tracer != nil {
		turnCtx, span = t.tracer.Start(turnCtx, "task.turn",
			trace.WithAttributes(
				attribute.String("task.id", t.id),
				attribute.String("task.model", t.model),
			))
	}

	var sniffed string
	emit := func(ev bus.StreamEvent) {
		if len(ev.Payload) > 0 {
			if msg, ok := SniffErrorFrame(ev.Payload); ok {
				sniffed = msg
			}
		}
		select {
		case t.events <- ev:
		case <-ctx.Done():
		}
	}

	text, err := t.runner.Run(turnCtx, req, emit)

	t.mu.Lock()
	t.turnCancel = nil
	t.mu.Unlock()

	// A provider can embed an error frame and close the stream normally;
	// surface the captured text instead of the bare no-output error.
	if errors.Is(err, ErrNoOutput) && sniffed != "" {
		err = fmt.Errorf("%w: %s", ErrNoOutput, sniffed)
	}

	if span != nil {
		if err != nil && !errors.Is(err, context.Canceled) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	if err != nil {
		slog.Debug("task.turn_ended", "taskId", t.id, "error", err)
	}
	return text, err
}

func (t *Task) setState(state string) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}
