package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/openviber/openviber/pkg/protocol"
)

// wsConn wraps coder/websocket with a thread-safe frame writer. Task
// pumps, the heartbeat ticker and the dispatch loop all write to the same
// socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// dialGateway connects to the gateway /ws endpoint with bearer auth and
// the node identity header.
func dialGateway(ctx context.Context, url, token, nodeID string) (*wsConn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("X-Node-Id", nodeID)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: ws dial: %w", err)
	}
	conn.SetReadLimit(8 << 20) // stream chunks can be large
	return &wsConn{conn: conn}, nil
}

// readFrame blocks for the next frame and decodes it.
func (c *wsConn) readFrame(ctx context.Context) (protocol.Message, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// writeFrame encodes and sends one frame. Thread-safe.
func (c *wsConn) writeFrame(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) close(code websocket.StatusCode, reason string) {
	c.conn.Close(code, reason)
}
