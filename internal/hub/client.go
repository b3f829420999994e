package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// ErrSendQueueFull signals that a client's outbound queue is saturated.
// The caller treats it the same as a socket-level send failure.
var ErrSendQueueFull = errors.New("client send queue full")

// Client is one live socket connection and its process-local state. It is
// owned exclusively by the gateway instance that accepted it.
type Client struct {
	ID        string
	UserID    string
	TenantID  string
	SessionID string

	Conn *websocket.Conn
	Send chan []byte

	// done stops the write pump; the Send queue itself is never closed,
	// so late sends race-free no-op instead of panicking.
	done     chan struct{}
	doneOnce sync.Once

	mu           sync.RWMutex
	lastActivity time.Time

	closing   atomic.Bool
	closeOnce sync.Once
}

func NewClient(id, userID, tenantID, sessionID string, conn *websocket.Conn, queueSize int) *Client {
	return &Client{
		ID:           id,
		UserID:       userID,
		TenantID:     tenantID,
		SessionID:    sessionID,
		Conn:         conn,
		Send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// Stop terminates the write pump. Called by the registry on unregister.
func (c *Client) Stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Touch records inbound activity. Called by the dispatcher after a frame
// parses successfully, never for malformed frames.
func (c *Client) Touch(t time.Time) {
	c.mu.Lock()
	c.lastActivity = t
	c.mu.Unlock()
}

func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// BeginClose marks the client as closing. It returns true exactly once;
// the socket-close and heartbeat-timeout paths can both reach it, and
// only the first caller runs the disconnect sequence.
func (c *Client) BeginClose() bool {
	return c.closing.CompareAndSwap(false, true)
}

// Closing reports whether the disconnect sequence has begun. No frame is
// dispatched and no broadcast is delivered once it has.
func (c *Client) Closing() bool {
	return c.closing.Load()
}

// SendMessage marshals and enqueues an outbound frame.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw enqueues pre-marshalled bytes without blocking. A full queue
// means the client is dead or too slow to keep.
func (c *Client) SendRaw(data []byte) error {
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// CloseWithCode writes a close frame with the given code and closes the
// underlying connection. Safe to call concurrently with the write pump
// and safe on clients without a real socket.
func (c *Client) CloseWithCode(code int, reason string, writeWait time.Duration) {
	c.closeOnce.Do(func() {
		if c.Conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.Conn.Close()
	})
}

// ReadPump reads inbound frames until the connection drops, then invokes
// onClose. Runs as one goroutine per connection.
func (c *Client) ReadPump(maxMessageSize int64, handler func(*Client, []byte), onClose func(*Client)) {
	defer func() {
		onClose(c)
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Debug().Err(err).Str(log.FieldClientID, c.ID).Msg("websocket read error")
			}
			return
		}
		handler(c, message)
	}
}

// WritePump drains the send queue onto the socket. Runs as one goroutine
// per connection; exits when the queue is closed or a write fails.
func (c *Client) WritePump(writeWait time.Duration) {
	defer func() {
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	}()

	for {
		select {
		case message := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			if c.Conn != nil {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			}
			return
		}
	}
}
