package hub

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long we wait for a pong before dropping the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames.
	maxMessageSize = 64 << 10

	// sendBufferSize is the per-client outbound queue depth.
	sendBufferSize = 256

	// maxDroppedFrames is the threshold for disconnecting a slow client.
	maxDroppedFrames = 100
)

// Client is a single WebSocket session. A user may hold several sessions
// (one per device); each gets its own Client with a unique session id.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	sessionID string
	userID    string // empty for unauthenticated sessions
	username  string
	role      string

	send    chan []byte
	done    chan struct{}
	dropped int64
	closed  atomic.Bool
}

// SessionID returns the unique id of this connection.
func (c *Client) SessionID() string { return c.sessionID }

// UserID returns the authenticated user id, or "" for anonymous sessions.
func (c *Client) UserID() string { return c.userID }

// Username returns the authenticated username, or "".
func (c *Client) Username() string { return c.username }

// Role returns the authenticated user's role, or "".
func (c *Client) Role() string { return c.role }

// Authenticated reports whether the session presented a valid token.
func (c *Client) Authenticated() bool { return c.userID != "" }

// Send queues a frame for delivery. Slow clients drop frames; a client that
// falls too far behind is disconnected.
func (c *Client) Send(event string, data any) {
	c.sendFrame(event, "", data)
}

// Ack queues a response frame carrying the request's ackId.
func (c *Client) Ack(ackID, event string, data any) {
	c.sendFrame(event, ackID, data)
}

// SendError queues an error frame, echoing the ackId when present.
func (c *Client) SendError(ackID, message string) {
	c.sendFrame(EventError, ackID, errorPayload{Message: message})
}

// AckError answers an acknowledged request with {success:false, error}.
func (c *Client) AckError(ackID, event, message string) {
	c.sendFrame(event, ackID, ackError{Success: false, Error: message})
}

func (c *Client) sendFrame(event, ackID string, data any) {
	payload, err := encodeFrame(event, ackID, data)
	if err != nil {
		slog.Error("encoding frame", "event", event, "error", err)
		return
	}
	c.enqueue(payload)
}

func (c *Client) enqueue(payload []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- payload:
	default:
		dropped := atomic.AddInt64(&c.dropped, 1)
		if dropped%10 == 1 {
			slog.Warn("dropping frames for slow client",
				"session_id", c.sessionID, "user_id", c.userID, "dropped", dropped)
		}
		if dropped >= maxDroppedFrames {
			slog.Warn("disconnecting slow client",
				"session_id", c.sessionID, "user_id", c.userID, "dropped", dropped)
			c.close()
		}
	}
}

// close shuts the connection down; the pumps notice and unwind. The send
// channel is never closed so concurrent enqueues stay safe.
func (c *Client) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.conn.Close()
	}
}

// readPump reads frames off the socket and dispatches them to registered
// handlers. It runs on the connection's own goroutine; handlers for a
// session therefore execute serially, in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "session_id", c.sessionID, "error", err)
			}
			return
		}
		c.hub.dispatch(c, payload)
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}
