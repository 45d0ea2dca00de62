package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/pkg/protocol"
)

// Runtime owns the live tasks on this daemon. It implements
// bus.TaskRunner for channel-originated tasks and exposes the same
// surface to the controller for gateway-submitted ones.
type Runtime struct {
	runner Runner
	tracer trace.Tracer

	mu    sync.Mutex
	tasks map[string]*Task

	counter       atomic.Uint64
	totalExecuted atomic.Uint64
}

// New creates a runtime. tracer may be nil to disable span creation.
func New(runner Runner, tracer trace.Tracer) *Runtime {
	return &Runtime{
		runner: runner,
		tracer: tracer,
		tasks:  make(map[string]*Task),
	}
}

// NewTaskID produces a unique task id: a monotonic counter plus a short
// random suffix so ids stay unique across restarts.
func (rt *Runtime) NewTaskID() string {
	suffix := make([]byte, 3)
	rand.Read(suffix)
	return fmt.Sprintf("task-%d-%s", rt.counter.Add(1), hex.EncodeToString(suffix))
}

// StartTask implements bus.TaskRunner for channel conversations.
func (rt *Runtime) StartTask(ctx context.Context, goal string, history []bus.HistoryEntry) (bus.TaskHandle, error) {
	return rt.Submit(ctx, rt.NewTaskID(), TurnRequest{Message: goal, History: history})
}

// Submit starts a task under an externally chosen id (gateway submissions
// arrive with the gateway's id). Duplicate ids fail.
func (rt *Runtime) Submit(ctx context.Context, id string, req TurnRequest) (*Task, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("runtime: task %s has no goal", id)
	}
	req.TaskID = id

	task := newTask(id, req, rt.runner, rt.tracer)

	rt.mu.Lock()
	if _, exists := rt.tasks[id]; exists {
		rt.mu.Unlock()
		return nil, fmt.Errorf("runtime: task %s already running", id)
	}
	rt.tasks[id] = task
	rt.mu.Unlock()

	slog.Info("task.starting", "taskId", id, "model", req.Model)
	go func() {
		task.run(ctx)
		rt.mu.Lock()
		delete(rt.tasks, id)
		rt.mu.Unlock()
		rt.totalExecuted.Add(1)
	}()
	return task, nil
}

// Get returns a live task by id.
func (rt *Runtime) Get(id string) (*Task, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.tasks[id]
	return t, ok
}

// Stop aborts a live task. Unknown ids are a no-op: the stop may race the
// task's own completion.
func (rt *Runtime) Stop(ctx context.Context, id string) {
	rt.mu.Lock()
	t, ok := rt.tasks[id]
	rt.mu.Unlock()
	if !ok {
		slog.Debug("task.stop_missed", "taskId", id)
		return
	}
	t.Stop(ctx)
}

// Running describes the live tasks for heartbeats and status reports.
func (rt *Runtime) Running() []protocol.RunningTaskInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]protocol.RunningTaskInfo, 0, len(rt.tasks))
	for _, t := range rt.tasks {
		out = append(out, protocol.RunningTaskInfo{
			TaskID:       t.ID(),
			Goal:         t.Goal(),
			Model:        t.Model(),
			IsRunning:    t.IsRunning(),
			MessageCount: t.MessageCount(),
		})
	}
	return out
}

// TotalExecuted reports how many tasks have finished since start.
func (rt *Runtime) TotalExecuted() uint64 { return rt.totalExecuted.Load() }

// ActiveCount reports the number of live tasks.
func (rt *Runtime) ActiveCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.tasks)
}
