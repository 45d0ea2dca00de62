// Package gateway implements the control-plane server: daemons dial in
// over websocket, web clients talk HTTP/SSE, and all task state lives in
// memory.
package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/openviber/openviber/pkg/protocol"
)

// In-memory bounds. Oldest entries are evicted first.
const (
	maxStreamBytes  = 2_000_000 // per task
	maxTaskEvents   = 500       // per task progress ring
	maxSystemEvents = 200
	maxPartialText  = 20000 // code points
)

// Task states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateError     = "error"
	StateStopped   = "stopped"
)

// IsTerminal reports whether a task state is sticky.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateError || state == StateStopped
}

// Event is one merged activity/system event served by /api/events.
type Event struct {
	ID       string         `json:"id"`
	Category string         `json:"category"` // activity, system
	Level    string         `json:"level"`    // info, warn, error
	Name     string         `json:"name"`
	At       time.Time      `json:"at"`
	TaskID   string         `json:"taskId,omitempty"`
	NodeID   string         `json:"nodeId,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// subscriber is one live SSE consumer of a task's chunk stream.
type subscriber struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan []byte, 256), closed: make(chan struct{})}
}

func (s *subscriber) end() {
	s.once.Do(func() { close(s.closed) })
}

// Viber is one task record with its bounded stream log and subscribers.
type Viber struct {
	mu sync.Mutex

	ID          string
	NodeID      string
	Goal        string
	Model       string
	State       string
	CreatedAt   time.Time
	CompletedAt time.Time
	Error       string
	PartialText string

	events      []protocol.Envelope // progress ring, ≤ maxTaskEvents
	chunks      [][]byte            // stream log, ≤ maxStreamBytes total
	chunkBytes  int
	subscribers []*subscriber
}

// State is the gateway's in-memory world: connected nodes, task records
// and the system event ring. Mutations are serialised per object.
type State struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	vibers map[string]*Viber

	eventsMu sync.Mutex
	events   []Event // merged ring, ≤ maxSystemEvents

	taskCounter atomic.Uint64
}

// NewState creates an empty state store.
func NewState() *State {
	return &State{
		nodes:  make(map[string]*Node),
		vibers: make(map[string]*Viber),
	}
}

// NewTaskID produces "task-<n>-<rand>" ids.
func (s *State) NewTaskID() string {
	suffix := make([]byte, 3)
	rand.Read(suffix)
	return fmt.Sprintf("task-%d-%s", s.taskCounter.Add(1), hex.EncodeToString(suffix))
}

// --- nodes ---

// AddNode registers a node connection. A second socket for the same id
// wins: the previous connection is closed and replaced.
func (s *State) AddNode(node *Node) (replaced *Node) {
	s.mu.Lock()
	replaced = s.nodes[node.ID]
	s.nodes[node.ID] = node
	s.mu.Unlock()

	s.Emit(Event{Category: "system", Level: "info", Name: "gateway.node_connected", NodeID: node.ID})
	return replaced
}

// RemoveNode drops a node if the given connection still owns the entry,
// reporting whether it did. Running tasks freeze in their last-known
// state and their subscribers are closed.
func (s *State) RemoveNode(node *Node) bool {
	s.mu.Lock()
	current, ok := s.nodes[node.ID]
	if !ok || current != node {
		s.mu.Unlock()
		return false
	}
	delete(s.nodes, node.ID)
	var owned []*Viber
	for _, v := range s.vibers {
		if v.NodeID == node.ID {
			owned = append(owned, v)
		}
	}
	s.mu.Unlock()

	for _, v := range owned {
		v.closeSubscribers()
	}
	s.Emit(Event{Category: "system", Level: "warn", Name: "gateway.node_disconnected", NodeID: node.ID})
	return true
}

// GetNode returns a connected node by id.
func (s *State) GetNode(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all connected nodes ordered by id.
func (s *State) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AnyNode picks a connected node, preferring the requested id.
func (s *State) AnyNode(preferred string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if preferred != "" {
		n, ok := s.nodes[preferred]
		return n, ok
	}
	for _, n := range s.nodes {
		return n, true
	}
	return nil, false
}

// --- vibers ---

// CreateViber records a new pending task.
func (s *State) CreateViber(id, nodeID, goal, model string) *Viber {
	v := &Viber{
		ID:        id,
		NodeID:    nodeID,
		Goal:      goal,
		Model:     model,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.vibers[id] = v
	s.mu.Unlock()

	s.Emit(Event{Category: "activity", Level: "info", Name: "task.created", TaskID: id, NodeID: nodeID})
	return v
}

// GetViber returns a task record by id.
func (s *State) GetViber(id string) (*Viber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vibers[id]
	return v, ok
}

// Vibers returns all task records ordered by creation time descending.
func (s *State) Vibers() []*Viber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Viber, 0, len(s.vibers))
	for _, v := range s.vibers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// --- events ---

// Emit appends one event to the merged ring.
func (s *State) Emit(ev Event) {
	ev.ID = uuid.NewString()
	ev.At = time.Now().UTC()

	s.eventsMu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > maxSystemEvents {
		s.events = s.events[len(s.events)-maxSystemEvents:]
	}
	s.eventsMu.Unlock()
}

// Events returns up to limit events newer than since, descending by time.
func (s *State) Events(limit int, since time.Time) []Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	out := make([]Event, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if !since.IsZero() && !ev.At.After(since) {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// --- per-viber mutation ---

// MarkStarted moves pending → running. Terminal states never revive.
func (v *Viber) MarkStarted() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if IsTerminal(v.State) {
		return
	}
	v.State = StateRunning
}

// AppendProgress records one envelope in the bounded ring and folds
// text deltas into partialText.
func (v *Viber) AppendProgress(env protocol.Envelope) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if IsTerminal(v.State) {
		return
	}

	v.events = append(v.events, env)
	if len(v.events) > maxTaskEvents {
		v.events = v.events[len(v.events)-maxTaskEvents:]
	}

	if env.Event.Kind == protocol.KindTextDelta {
		v.PartialText += env.Event.Delta
		// Tail-truncate by code points so a multi-byte rune is never cut.
		if utf8.RuneCountInString(v.PartialText) > maxPartialText {
			runes := []rune(v.PartialText)
			v.PartialText = string(runes[len(runes)-maxPartialText:])
		}
	}
}

// AppendErrorEvent records a kind "error" envelope, sequenced after the
// last ring entry. Must run before the terminal transition or the ring
// refuses the append.
func (v *Viber) AppendErrorEvent(model, message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if IsTerminal(v.State) {
		return
	}
	var seq uint64
	if n := len(v.events); n > 0 {
		seq = v.events[n-1].Sequence + 1
	}
	v.events = append(v.events, protocol.NewEnvelope(v.ID, seq, model, protocol.ProgressEvent{
		Kind:    protocol.KindError,
		Message: message,
	}))
	if len(v.events) > maxTaskEvents {
		v.events = v.events[len(v.events)-maxTaskEvents:]
	}
}

// Progress returns a copy of the envelope ring.
func (v *Viber) Progress() []protocol.Envelope {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]protocol.Envelope(nil), v.events...)
}

// AppendChunk adds one raw SSE chunk, evicts from the head to stay under
// the byte cap, and fans the chunk out to live subscribers. Slow
// subscribers are dropped rather than blocking the daemon read loop.
func (v *Viber) AppendChunk(chunk []byte) {
	v.mu.Lock()
	if IsTerminal(v.State) {
		v.mu.Unlock()
		return
	}
	v.chunks = append(v.chunks, chunk)
	v.chunkBytes += len(chunk)
	for v.chunkBytes > maxStreamBytes && len(v.chunks) > 0 {
		v.chunkBytes -= len(v.chunks[0])
		v.chunks = v.chunks[1:]
	}
	subs := append([]*subscriber(nil), v.subscribers...)
	v.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- chunk:
		default:
			sub.end()
		}
	}
}

// StreamChunks returns a copy of the buffered chunk log.
func (v *Viber) StreamChunks() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([][]byte(nil), v.chunks...)
}

// StreamBytes reports the buffered byte total.
func (v *Viber) StreamBytes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chunkBytes
}

// Subscribe registers an SSE consumer. replay is the buffered chunk log
// to write first; live is nil when the task is already terminal (replay
// then end).
func (v *Viber) Subscribe() (replay [][]byte, live *subscriber) {
	v.mu.Lock()
	defer v.mu.Unlock()
	replay = append([][]byte(nil), v.chunks...)
	if IsTerminal(v.State) {
		return replay, nil
	}
	live = newSubscriber()
	v.subscribers = append(v.subscribers, live)
	return replay, live
}

// Unsubscribe removes one consumer.
func (v *Viber) Unsubscribe(sub *subscriber) {
	v.mu.Lock()
	for i, s := range v.subscribers {
		if s == sub {
			v.subscribers = append(v.subscribers[:i], v.subscribers[i+1:]...)
			break
		}
	}
	v.mu.Unlock()
	sub.end()
}

// closeSubscribers ends every live consumer and drops the list.
func (v *Viber) closeSubscribers() {
	v.mu.Lock()
	subs := v.subscribers
	v.subscribers = nil
	v.mu.Unlock()
	for _, sub := range subs {
		sub.end()
	}
}

// MarkCompleted transitions to the terminal completed state, updating
// partialText with the final text. No-op when already terminal.
func (v *Viber) MarkCompleted(result *protocol.TaskResult) {
	v.mu.Lock()
	if IsTerminal(v.State) {
		v.mu.Unlock()
		return
	}
	v.State = StateCompleted
	v.CompletedAt = time.Now().UTC()
	if result != nil && result.Text != "" {
		v.PartialText = result.Text
	}
	v.mu.Unlock()
	v.closeSubscribers()
}

// MarkError transitions to the terminal error state.
func (v *Viber) MarkError(message string) {
	v.mu.Lock()
	if IsTerminal(v.State) {
		v.mu.Unlock()
		return
	}
	v.State = StateError
	v.Error = message
	v.CompletedAt = time.Now().UTC()
	v.mu.Unlock()
	v.closeSubscribers()
}

// MarkStopped transitions to the terminal stopped state.
func (v *Viber) MarkStopped() {
	v.mu.Lock()
	if IsTerminal(v.State) {
		v.mu.Unlock()
		return
	}
	v.State = StateStopped
	v.CompletedAt = time.Now().UTC()
	v.mu.Unlock()
	v.closeSubscribers()
}

// ResetForResubmit prepares the record for a re-submission: subscribers
// are closed so a new GET establishes a fresh stream, and the state goes
// back to pending.
func (v *Viber) ResetForResubmit(goal string) {
	v.mu.Lock()
	v.State = StatePending
	v.CompletedAt = time.Time{}
	v.Error = ""
	v.PartialText = ""
	v.chunks = nil
	v.chunkBytes = 0
	v.events = nil
	if goal != "" {
		v.Goal = goal
	}
	v.mu.Unlock()
	v.closeSubscribers()
}

// Snapshot returns the task summary fields under lock.
func (v *Viber) Snapshot() map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := map[string]any{
		"id":        v.ID,
		"nodeId":    v.NodeID,
		"goal":      v.Goal,
		"state":     v.State,
		"createdAt": v.CreatedAt.Format(time.RFC3339Nano),
	}
	if v.Model != "" {
		out["model"] = v.Model
	}
	if !v.CompletedAt.IsZero() {
		out["completedAt"] = v.CompletedAt.Format(time.RFC3339Nano)
	}
	if v.Error != "" {
		out["error"] = v.Error
	}
	return out
}

// CurrentState reads the state under lock.
func (v *Viber) CurrentState() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.State
}

// CurrentPartialText reads partialText under lock.
func (v *Viber) CurrentPartialText() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.PartialText
}
