package gateway

import (
	"context"
	"fmt"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/pkg/protocol"
)

// remoteTask adapts a task running on a daemon into a bus.TaskHandle so
// channels can follow it without knowing about the wire protocol.
type remoteTask struct {
	id     string
	server *Server
	nodeID string
	events chan bus.StreamEvent
	done   chan struct{}
}

func (t *remoteTask) ID() string { return t.id }

func (t *remoteTask) Events() <-chan bus.StreamEvent { return t.events }

func (t *remoteTask) Send(ctx context.Context, message, mode string) error {
	node, ok := t.server.state.GetNode(t.nodeID)
	if !ok {
		return fmt.Errorf("gateway: node %s is gone", t.nodeID)
	}
	return node.Send(&protocol.TaskMessage{ID: t.id, Message: message, Mode: mode})
}

func (t *remoteTask) Stop(ctx context.Context) error {
	node, ok := t.server.state.GetNode(t.nodeID)
	if !ok {
		return fmt.Errorf("gateway: node %s is gone", t.nodeID)
	}
	if v, ok := t.server.state.GetViber(t.id); ok {
		v.MarkStopped()
	}
	err := node.Send(&protocol.TaskStop{ID: t.id})
	t.server.finishRemote(t.id, bus.StreamEvent{Type: bus.StreamDone})
	return err
}

// StartTask implements bus.TaskRunner: it places the task on any
// connected node and returns a handle tracking the remote execution.
func (s *Server) StartTask(ctx context.Context, goal string, history []bus.HistoryEntry) (bus.TaskHandle, error) {
	node, ok := s.state.AnyNode("")
	if !ok {
		return nil, fmt.Errorf("no node available")
	}

	id := s.state.NewTaskID()
	s.state.CreateViber(id, node.ID, goal, "")

	var messages []protocol.ChatMessage
	for _, entry := range history {
		messages = append(messages, protocol.ChatMessage{Role: entry.Role, Content: entry.Content})
	}
	if err := node.Send(&protocol.TaskSubmit{ID: id, Goal: goal, Messages: messages}); err != nil {
		if v, ok := s.state.GetViber(id); ok {
			v.MarkError("submit failed: " + err.Error())
		}
		return nil, fmt.Errorf("gateway: submit to %s: %w", node.ID, err)
	}

	task := &remoteTask{
		id:     id,
		server: s,
		nodeID: node.ID,
		events: make(chan bus.StreamEvent, 256),
		done:   make(chan struct{}),
	}
	s.remoteMu.Lock()
	s.remote[id] = task
	s.remoteMu.Unlock()
	return task, nil
}

// forwardProgress translates one envelope into a stream event for the
// channel following this task, if any. Slow consumers lose events
// rather than stalling the websocket read loop.
func (s *Server) forwardProgress(env protocol.Envelope) {
	s.remoteMu.Lock()
	task, ok := s.remote[env.TaskID]
	s.remoteMu.Unlock()
	if !ok {
		return
	}

	ev, ok := streamEventFor(env.Event)
	if !ok {
		return
	}
	select {
	case task.events <- ev:
	default:
		s.log.Warn("gateway.stream_backpressure", "task", env.TaskID, "kind", env.Event.Kind)
	}
}

// finishRemote delivers the terminal event and closes the handle.
func (s *Server) finishRemote(taskID string, terminal bus.StreamEvent) {
	s.remoteMu.Lock()
	task, ok := s.remote[taskID]
	if ok {
		delete(s.remote, taskID)
	}
	s.remoteMu.Unlock()
	if !ok {
		return
	}

	select {
	case task.events <- terminal:
	default:
	}
	close(task.events)
	close(task.done)
}

// streamEventFor maps envelope kinds onto channel stream events.
// Terminal kinds are produced from the task:completed / task:error
// frames instead, so done and error envelopes are skipped here.
func streamEventFor(event protocol.ProgressEvent) (bus.StreamEvent, bool) {
	switch event.Kind {
	case protocol.KindTextDelta:
		return bus.StreamEvent{Type: bus.StreamTextDelta, Delta: event.Delta}, true
	case protocol.KindToolCall:
		return bus.StreamEvent{Type: bus.StreamToolCall, Name: event.Name, Payload: event.Data}, true
	case protocol.KindToolResult:
		return bus.StreamEvent{Type: bus.StreamToolResult, Name: event.Name, Payload: event.Data}, true
	case protocol.KindStateChange:
		return bus.StreamEvent{Type: bus.StreamStateChange, Message: event.Message, Text: event.Text}, true
	case protocol.KindStatus:
		return bus.StreamEvent{Type: bus.StreamStatus, Message: event.Message}, true
	default:
		return bus.StreamEvent{}, false
	}
}
