package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openviber/openviber/pkg/protocol"
)

// Node is one connected daemon. Reads happen on the connection's serve
// goroutine; writes are serialised through mu.
type Node struct {
	ID   string
	conn *websocket.Conn

	mu   sync.Mutex // guards writes to conn
	meta protocol.Connected

	hbMu          sync.Mutex
	lastHeartbeat time.Time
	lastStatus    *protocol.HeartbeatStatus

	jobsMu sync.Mutex
	jobs   []protocol.JobDescriptor

	configMu    sync.Mutex
	configAck   *protocol.ConfigAck
	configAckAt time.Time

	waitMu  sync.Mutex
	waiters map[string]chan protocol.HeartbeatStatus

	connectedAt time.Time
}

// NewNode wraps an upgraded websocket after the Connected handshake.
func NewNode(conn *websocket.Conn, hello *protocol.Connected) *Node {
	return &Node{
		ID:          hello.ID,
		conn:        conn,
		meta:        *hello,
		waiters:     make(map[string]chan protocol.HeartbeatStatus),
		connectedAt: time.Now().UTC(),
	}
}

// Meta returns the handshake identity.
func (n *Node) Meta() protocol.Connected {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.meta
}

// Send encodes and writes one frame.
func (n *Node) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", m.FrameType(), err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the socket.
func (n *Node) Close() error {
	return n.conn.Close()
}

// RecordHeartbeat caches the latest heartbeat payload.
func (n *Node) RecordHeartbeat(status protocol.HeartbeatStatus) {
	n.hbMu.Lock()
	n.lastHeartbeat = time.Now().UTC()
	n.lastStatus = &status
	n.hbMu.Unlock()
}

// LastHeartbeat returns the cached status and its age. ok is false when
// no heartbeat arrived yet.
func (n *Node) LastHeartbeat() (status *protocol.HeartbeatStatus, at time.Time, ok bool) {
	n.hbMu.Lock()
	defer n.hbMu.Unlock()
	return n.lastStatus, n.lastHeartbeat, n.lastStatus != nil
}

// SetJobs caches the node's declared job list.
func (n *Node) SetJobs(jobs []protocol.JobDescriptor) {
	n.jobsMu.Lock()
	n.jobs = jobs
	n.jobsMu.Unlock()
}

// Jobs returns the cached job list.
func (n *Node) Jobs() []protocol.JobDescriptor {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()
	return append([]protocol.JobDescriptor(nil), n.jobs...)
}

// RecordConfigAck caches the last config acknowledgement.
func (n *Node) RecordConfigAck(ack *protocol.ConfigAck) {
	n.configMu.Lock()
	n.configAck = ack
	n.configAckAt = time.Now().UTC()
	n.configMu.Unlock()
}

// ConfigAck returns the cached acknowledgement, if any.
func (n *Node) ConfigAck() (*protocol.ConfigAck, time.Time) {
	n.configMu.Lock()
	defer n.configMu.Unlock()
	return n.configAck, n.configAckAt
}

// AwaitStatus registers a waiter for a status:report with the given
// request id. The caller must call CancelStatus when done.
func (n *Node) AwaitStatus(requestID string) <-chan protocol.HeartbeatStatus {
	ch := make(chan protocol.HeartbeatStatus, 1)
	n.waitMu.Lock()
	n.waiters[requestID] = ch
	n.waitMu.Unlock()
	return ch
}

// CancelStatus removes a waiter.
func (n *Node) CancelStatus(requestID string) {
	n.waitMu.Lock()
	delete(n.waiters, requestID)
	n.waitMu.Unlock()
}

// ResolveStatus delivers a report to its waiter, if one is registered.
func (n *Node) ResolveStatus(requestID string, status protocol.HeartbeatStatus) {
	n.waitMu.Lock()
	ch, ok := n.waiters[requestID]
	if ok {
		delete(n.waiters, requestID)
	}
	n.waitMu.Unlock()
	if ok {
		ch <- status
	}
}

// ConnectedAt reports when the handshake completed.
func (n *Node) ConnectedAt() time.Time {
	return n.connectedAt
}
