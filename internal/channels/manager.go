package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openviber/openviber/internal/bus"
)

// Manager owns the channel instances and the conversation→task bindings.
// It implements RuntimeContext for the channels and fans agent stream
// events back out to the owning channel until the task is terminal.
type Manager struct {
	runner bus.TaskRunner
	router *WebhookRouter

	mu       sync.RWMutex
	channels map[string]Channel
	convs    map[string]*conversation // conversation id → binding
}

type conversation struct {
	channelID string
	task      bus.TaskHandle
	cancel    context.CancelFunc
}

// NewManager creates a channel manager routing into the given runner.
func NewManager(runner bus.TaskRunner, router *WebhookRouter) *Manager {
	return &Manager{
		runner:   runner,
		router:   router,
		channels: make(map[string]Channel),
		convs:    make(map[string]*conversation),
	}
}

// AddChannel registers a built channel instance and binds its webhook
// routes when it exposes any.
func (m *Manager) AddChannel(ch Channel) error {
	m.mu.Lock()
	if _, exists := m.channels[ch.ID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("channels: %s already added", ch.ID())
	}
	m.channels[ch.ID()] = ch
	m.mu.Unlock()

	if wc, ok := ch.(WebhookChannel); ok && m.router != nil {
		if err := m.router.BindChannel(wc); err != nil {
			return err
		}
	}
	return nil
}

// BuildFromRegistry instantiates channels from factory configs. A config
// entry with no matching factory is an error; a factory whose Create
// fails disables just that channel.
func (m *Manager) BuildFromRegistry(reg *Registry, configs map[string]any) error {
	for id, cfg := range configs {
		factory, ok := reg.Get(id)
		if !ok {
			return fmt.Errorf("channels: no factory for %s", id)
		}
		ch, err := factory.Create(cfg, m)
		if err != nil {
			slog.Warn("channel.create_failed", "channel", id, "error", err)
			continue
		}
		if err := m.AddChannel(ch); err != nil {
			return err
		}
	}
	return nil
}

// StartAll starts every registered channel. A channel that fails to start
// is logged and skipped so one bad credential doesn't take the rest down.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for id, ch := range m.channels {
		slog.Info("channel.starting", "channel", id)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel.start_failed", "channel", id, "error", err)
		}
	}
	return nil
}

// StopAll stops every channel and cancels active conversation pumps.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	for _, conv := range m.convs {
		conv.cancel()
	}
	m.convs = make(map[string]*conversation)
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel.stop_failed", "channel", ch.ID(), "error", err)
		}
	}
	return nil
}

// GetChannel returns a channel instance by id.
func (m *Manager) GetChannel(id string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// RouteMessage implements RuntimeContext. The conversation id is the task
// isolation key: the first message starts a task, later ones attach as
// followups.
func (m *Manager) RouteMessage(ctx context.Context, msg bus.InboundMessage) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("channels: message %s has no conversation id", msg.ID)
	}

	m.mu.Lock()
	conv, exists := m.convs[msg.ConversationID]
	m.mu.Unlock()

	if exists {
		if err := conv.task.Send(ctx, msg.Content, "followup"); err == nil {
			return nil
		} else {
			// Task went terminal under us: fall through and start fresh.
			slog.Debug("channel.conversation_restart", "conversation", msg.ConversationID, "error", err)
			m.dropConversation(msg.ConversationID)
		}
	}

	task, err := m.runner.StartTask(ctx, msg.Content, nil)
	if err != nil {
		m.streamError(msg.Source, msg.ConversationID, err)
		return fmt.Errorf("channels: start task for %s: %w", msg.ConversationID, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.convs[msg.ConversationID] = &conversation{
		channelID: msg.Source,
		task:      task,
		cancel:    cancel,
	}
	m.mu.Unlock()

	slog.Info("channel.task_started",
		"channel", msg.Source,
		"conversation", msg.ConversationID,
		"taskId", task.ID(),
	)

	go m.pumpEvents(pumpCtx, msg.Source, msg.ConversationID, task)
	return nil
}

// HandleInterrupt implements RuntimeContext: stop the conversation's task.
func (m *Manager) HandleInterrupt(ctx context.Context, conversationID, signal string) error {
	m.mu.RLock()
	conv, ok := m.convs[conversationID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channels: no active task for conversation %s", conversationID)
	}
	slog.Info("channel.interrupt", "conversation", conversationID, "signal", signal)
	return conv.task.Stop(ctx)
}

// pumpEvents forwards the task's stream to the owning channel until a
// terminal event, then unbinds the conversation.
func (m *Manager) pumpEvents(ctx context.Context, channelID, conversationID string, task bus.TaskHandle) {
	defer m.dropConversation(conversationID)

	ch, ok := m.GetChannel(channelID)
	if !ok {
		slog.Warn("channel.missing_for_stream", "channel", channelID)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-task.Events():
			if !open {
				return
			}
			if err := ch.Stream(ctx, conversationID, ev); err != nil {
				slog.Error("channel.stream_failed",
					"channel", channelID,
					"conversation", conversationID,
					"taskId", task.ID(),
					"error", err,
				)
			}
			if ev.Type == bus.StreamDone || ev.Type == bus.StreamError {
				return
			}
		}
	}
}

// streamError surfaces a routing failure to the channel as an error event.
func (m *Manager) streamError(channelID, conversationID string, cause error) {
	ch, ok := m.GetChannel(channelID)
	if !ok {
		return
	}
	ev := bus.StreamEvent{Type: bus.StreamError, Message: cause.Error()}
	if err := ch.Stream(context.Background(), conversationID, ev); err != nil {
		slog.Debug("channel.error_event_failed", "channel", channelID, "error", err)
	}
}

func (m *Manager) dropConversation(conversationID string) {
	m.mu.Lock()
	if conv, ok := m.convs[conversationID]; ok {
		conv.cancel()
		delete(m.convs, conversationID)
	}
	m.mu.Unlock()
}

// ActiveConversations reports the number of bound conversations.
func (m *Manager) ActiveConversations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}
