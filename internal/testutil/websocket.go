package testutil

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is a decoded relay envelope as seen by a client.
type Frame struct {
	Cmd     string          `json:"cmd"`
	Content json.RawMessage `json:"content"`
}

// Decode unmarshals the frame content into v or fails the test.
func (f Frame) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Content, v); err != nil {
		t.Fatalf("decoding %s content %s: %v", f.Cmd, f.Content, err)
	}
}

// WSClient is a WebSocket test client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials the given ws:// URL and returns a test client.
//
// Precondition: url must point at a listening WebSocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	conn, err := DialWS(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v", url, err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return &WSClient{conn: conn, t: t}
}

// DialWS dials url with a short handshake timeout and returns the raw connection.
func DialWS(url string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// Send writes one envelope with the given cmd and content.
func (c *WSClient) Send(cmd string, content any) {
	c.t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		c.t.Fatalf("encoding %s content: %v", cmd, err)
	}
	data, err := json.Marshal(Frame{Cmd: cmd, Content: raw})
	if err != nil {
		c.t.Fatalf("encoding %s: %v", cmd, err)
	}
	c.SendRaw(websocket.TextMessage, data)
}

// SendRaw writes a frame of the given message type verbatim.
func (c *WSClient) SendRaw(messageType int, data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// Read returns the next frame or fails the test after timeout.
func (c *WSClient) Read(timeout time.Duration) Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.t.Fatalf("decoding frame %q: %v", data, err)
	}
	return f
}

// Expect reads the next frame and fails the test unless its cmd matches.
func (c *WSClient) Expect(cmd string, timeout time.Duration) Frame {
	c.t.Helper()
	f := c.Read(timeout)
	if f.Cmd != cmd {
		c.t.Fatalf("expected %s, got %s %s", cmd, f.Cmd, f.Content)
	}
	return f
}

// ExpectSilence fails the test if any frame arrives within wait.
// A timed-out read breaks a gorilla connection, so this must be the client's last read.
func (c *WSClient) ExpectSilence(wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("expected no frame, got %s", data)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// ReadError reads until the connection fails and returns the error.
func (c *WSClient) ReadError(timeout time.Duration) error {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// Close sends a normal close frame and closes the connection.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}
