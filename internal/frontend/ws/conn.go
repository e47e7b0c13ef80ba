package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/game/session"
)

// DefaultWriteTimeout bounds frame writes when the configuration leaves it unset.
const DefaultWriteTimeout = 10 * time.Second

// Conn wraps an upgraded WebSocket with a bounded outbound queue drained by a
// single write goroutine, so producers never touch the socket directly.
type Conn struct {
	raw    *websocket.Conn
	outbox *session.Outbox

	writeTimeout time.Duration
	idleTimeout  time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
	pumpDone  chan struct{}
}

// NewConn wraps an upgraded connection.
//
// Precondition: raw must be an open WebSocket connection.
// Postcondition: Returns a Conn whose write pump has not been started.
func NewConn(raw *websocket.Conn, cfg config.WebSocketConfig) *Conn {
	c := &Conn{
		raw:          raw,
		outbox:       session.NewOutbox(cfg.SendBuffer),
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
		pingInterval: cfg.PingInterval,
		pumpDone:     make(chan struct{}),
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	if cfg.MaxMessageBytes > 0 {
		raw.SetReadLimit(cfg.MaxMessageBytes)
	}
	c.extendReadDeadline()
	raw.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	return c
}

// Outbox returns the queue whose frames the write pump sends.
func (c *Conn) Outbox() *session.Outbox {
	return c.outbox
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// ReadMessage returns the next text frame. Binary frames are skipped.
//
// Postcondition: Returns a frame payload, or an error once the connection is
// closed, idle past its deadline, or sent an oversized frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.raw.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendReadDeadline()
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *Conn) extendReadDeadline() {
	if c.idleTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

// Start launches the write pump.
//
// Precondition: Start is called at most once.
func (c *Conn) Start() {
	go c.writePump()
}

// Done is closed when the write pump has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.pumpDone
}

func (c *Conn) writePump() {
	defer close(c.pumpDone)

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case frame, ok := <-c.outbox.Events():
			_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				_ = c.raw.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.raw.WriteMessage(websocket.TextMessage, frame); err != nil {
				// Unblocks the reader so the session ends and the peer is disconnected.
				c.Close()
				return
			}
		case <-c.outbox.Overflowed():
			// The peer fell behind and missed frames; drop it so the normal
			// disconnect path tells the rest of its room.
			_ = c.raw.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "send buffer overflow"),
				time.Now().Add(c.writeTimeout))
			c.Close()
			return
		case <-ping:
			_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.raw.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// GoAway tells the peer the server is shutting down and closes the socket.
// Safe to call concurrently with the pump and the reader.
func (c *Conn) GoAway() {
	_ = c.raw.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(c.writeTimeout))
	c.Close()
}

// Close closes the underlying socket. It is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.raw.Close()
	})
}
