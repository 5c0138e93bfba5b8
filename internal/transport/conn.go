package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// sendQueueSize bounds the per-connection outbound queue. When a client
// cannot keep up, further outbound frames are dropped rather than stalling
// the session's event loop.
const sendQueueSize = 64

// writeTimeout bounds one WebSocket write.
const writeTimeout = 5 * time.Second

// outMessage is one queued outbound delivery.
type outMessage struct {
	typ  websocket.MessageType
	data []byte
}

// conn wraps one client WebSocket. Outbound frames are serialised through a
// single writer goroutine so that observers posting from the session event
// loop never block on the network.
type conn struct {
	sessionID string
	ws        *websocket.Conn

	send      chan outMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(sessionID string, ws *websocket.Conn) *conn {
	c := &conn{
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan outMessage, sendQueueSize),
		done:      make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// enqueue queues an outbound message without blocking. Returns false when
// the queue is saturated or the connection is closed.
func (c *conn) enqueue(typ websocket.MessageType, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outMessage{typ: typ, data: data}:
		return true
	default:
		slog.Warn("transport: outbound queue full, frame dropped",
			"session_id", c.sessionID)
		return false
	}
}

// writeLoop drains the send queue in order until the connection closes.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, msg.typ, msg.data)
			cancel()
			if err != nil {
				slog.Debug("transport: write failed",
					"session_id", c.sessionID, "err", err)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// close shuts the connection down once.
func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}
