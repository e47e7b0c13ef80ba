package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/testutil"
)

// echoHandler is a test SessionHandler that echoes frames back to the client.
type echoHandler struct {
	sessionCount atomic.Int32
	ended        atomic.Int32
}

func (h *echoHandler) HandleSession(ctx context.Context, conn *Conn) error {
	h.sessionCount.Add(1)
	defer h.ended.Add(1)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if string(data) == "quit" {
			return nil
		}
		_ = conn.Outbox().Push(append([]byte("echo: "), data...))
	}
}

func testConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		Host:            "127.0.0.1",
		Port:            0, // random port
		Path:            "/",
		MaxMessageBytes: 1024,
		WriteTimeout:    5 * time.Second,
		IdleTimeout:     5 * time.Second,
		PingInterval:    time.Second,
		SendBuffer:      16,
	}
}

func startAcceptor(t *testing.T, cfg config.WebSocketConfig, handler SessionHandler) (*Acceptor, chan error) {
	t.Helper()
	acc := NewAcceptor(cfg, handler, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() {
		errCh <- acc.ListenAndServe()
	}()

	select {
	case <-acc.Ready():
	case err := <-errCh:
		t.Fatalf("acceptor failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor did not start in time")
	}
	require.NotEmpty(t, acc.Addr())
	return acc, errCh
}

func stopAcceptor(t *testing.T, acc *Acceptor, errCh chan error) {
	t.Helper()
	acc.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("acceptor did not stop in time")
	}
}

func wsURL(acc *Acceptor, path string) string {
	return "ws://" + acc.Addr() + path
}

func TestAcceptorEchoAndQuit(t *testing.T) {
	handler := &echoHandler{}
	acc, errCh := startAcceptor(t, testConfig(), handler)

	conn, err := testutil.DialWS(wsURL(acc, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", string(data))

	// Binary frames are not part of the protocol and are skipped.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("again")))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo: again", string(data))

	// Ending the session flushes a normal close frame.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("quit")))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	stopAcceptor(t, acc, errCh)
	assert.Equal(t, int32(1), handler.sessionCount.Load())
}

func TestAcceptorMultipleClients(t *testing.T) {
	handler := &echoHandler{}
	acc, errCh := startAcceptor(t, testConfig(), handler)

	const clients = 5
	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		c, err := testutil.DialWS(wsURL(acc, "/"), nil)
		require.NoError(t, err)
		defer c.Close()
		conns[i] = c
	}
	for i, c := range conns {
		msg := strings.Repeat("x", i+1)
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "echo: "+msg, string(data))
	}

	stopAcceptor(t, acc, errCh)
	assert.Equal(t, int32(clients), handler.sessionCount.Load())
	assert.Equal(t, int32(clients), handler.ended.Load())
}

func TestAcceptorStopSendsGoingAway(t *testing.T) {
	handler := &echoHandler{}
	acc, errCh := startAcceptor(t, testConfig(), handler)

	conn, err := testutil.DialWS(wsURL(acc, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return handler.sessionCount.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	stopAcceptor(t, acc, errCh)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, err = testutil.DialWS(wsURL(acc, "/"), nil)
	assert.Error(t, err, "a stopped acceptor must not accept new clients")
}

func TestAcceptorReadyStaysOpenOnBindFailure(t *testing.T) {
	first, errCh := startAcceptor(t, testConfig(), &echoHandler{})
	defer stopAcceptor(t, first, errCh)

	_, port, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	second := NewAcceptor(cfg, &echoHandler{}, zaptest.NewLogger(t))
	assert.Error(t, second.ListenAndServe())
	select {
	case <-second.Ready():
		t.Fatal("ready closed although the listener never bound")
	default:
	}
}

func TestAcceptorOversizedFrameEndsSession(t *testing.T) {
	handler := &echoHandler{}
	cfg := testConfig()
	cfg.MaxMessageBytes = 16
	acc, errCh := startAcceptor(t, cfg, handler)
	defer stopAcceptor(t, acc, errCh)

	conn, err := testutil.DialWS(wsURL(acc, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("y", 64))))
	require.Eventually(t, func() bool { return handler.ended.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptorIdleTimeout(t *testing.T) {
	handler := &echoHandler{}
	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.PingInterval = 0
	acc, errCh := startAcceptor(t, cfg, handler)
	defer stopAcceptor(t, acc, errCh)

	// With pings off, only inbound frames extend the read deadline.
	conn, err := testutil.DialWS(wsURL(acc, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return handler.ended.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestAcceptorOriginAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://good.example"}
	acc, errCh := startAcceptor(t, cfg, &echoHandler{})
	defer stopAcceptor(t, acc, errCh)

	good, err := testutil.DialWS(wsURL(acc, "/"), http.Header{"Origin": {"https://good.example"}})
	require.NoError(t, err)
	good.Close()

	_, err = testutil.DialWS(wsURL(acc, "/"), http.Header{"Origin": {"https://evil.example"}})
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)

	noOrigin, err := testutil.DialWS(wsURL(acc, "/"), nil)
	require.NoError(t, err)
	noOrigin.Close()
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, originChecker(nil)(req("https://any.example")))
	assert.True(t, originChecker([]string{"*"})(req("https://any.example")))
	assert.True(t, originChecker([]string{"https://a.example"})(req("https://a.example")))
	assert.False(t, originChecker([]string{"https://a.example"})(req("https://b.example")))
}

func TestAcceptorHealthzAndExtraRoute(t *testing.T) {
	cfg := testConfig()
	cfg.Path = "/ws"
	acc := NewAcceptor(cfg, &echoHandler{}, zaptest.NewLogger(t))
	acc.Handle(http.MethodGet, "/extra", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		WriteJSON(w, http.StatusTeapot, map[string]int{"n": 1})
	})
	errCh := make(chan error, 1)
	go func() { errCh <- acc.ListenAndServe() }()
	select {
	case <-acc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor did not start in time")
	}
	defer stopAcceptor(t, acc, errCh)

	resp, err := http.Get("http://" + acc.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	extra, err := http.Get("http://" + acc.Addr() + "/extra")
	require.NoError(t, err)
	defer extra.Body.Close()
	assert.Equal(t, http.StatusTeapot, extra.StatusCode)

	// Plain HTTP on the upgrade route is rejected by the upgrader.
	plain, err := http.Get("http://" + acc.Addr() + "/ws")
	require.NoError(t, err)
	defer plain.Body.Close()
	assert.Equal(t, http.StatusBadRequest, plain.StatusCode)
}
