// Package ws is the relay's transport: an HTTP listener that upgrades clients to
// WebSockets and hands each connection to a SessionHandler.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
)

// ShutdownTimeout bounds the HTTP server's graceful shutdown in Stop.
const ShutdownTimeout = 5 * time.Second

// SessionHandler processes one connected client.
// HandleSession returns when the client disconnects or ctx is cancelled.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// Acceptor serves HTTP, upgrades requests on the configured path to WebSockets
// and dispatches each to a SessionHandler.
type Acceptor struct {
	cfg      config.WebSocketConfig
	handler  SessionHandler
	logger   *zap.Logger
	router   *httprouter.Router
	upgrader websocket.Upgrader

	srv      *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	ready    chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an Acceptor with the WebSocket route and GET /healthz registered.
//
// Precondition: handler and logger must be non-nil; cfg.Path must start with "/".
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebSocketConfig, handler SessionHandler, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		router:  httprouter.New(),
		quit:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferBytes,
		WriteBufferSize: cfg.WriteBufferBytes,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	a.router.GET(cfg.Path, a.serveWS)
	a.router.GET("/healthz", serveHealthz)
	return a
}

// originChecker allows every origin when allowed is empty or contains "*".
// Requests without an Origin header (non-browser clients) are always allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Handle registers an additional HTTP route.
//
// Precondition: Must be called before ListenAndServe.
func (a *Acceptor) Handle(method, path string, h httprouter.Handle) {
	a.router.Handle(method, path, h)
}

// Handler returns the CORS-wrapped router serving every registered route.
func (a *Acceptor) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(a.router)
}

// ListenAndServe binds the listener and serves until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: Returns nil after Stop, or the bind/serve error.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.listener = listener
	a.srv = srv
	a.running = true
	close(a.ready)
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	a.handleConn(raw)
}

// handleConn runs one session to completion.
func (a *Acceptor) handleConn(raw *websocket.Conn) {
	start := time.Now()
	conn := NewConn(raw, a.cfg)
	addr := conn.RemoteAddr()
	conn.Start()

	a.logger.Info("client connected",
		zap.String("remote_addr", addr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.quit:
			cancel()
			conn.GoAway()
		case <-ctx.Done():
		}
	}()

	err := a.handler.HandleSession(ctx, conn)

	// Flush whatever the handler queued, then release the socket.
	_ = conn.Outbox().Close()
	select {
	case <-conn.Done():
	case <-time.After(conn.writeTimeout):
	}
	conn.Close()

	if err != nil && !isExpectedClose(err) {
		a.logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		a.logger.Info("session ended cleanly",
			zap.String("remote_addr", addr),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func isExpectedClose(err error) bool {
	return errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func serveHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WriteJSON writes v as a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Stop closes the listener, tells every live peer the server is going away and
// waits for all sessions to finish.
//
// Postcondition: All connections are closed and session goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.quit)
	srv := a.srv
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Ready is closed once the listener is bound. It stays open if binding fails.
func (a *Acceptor) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}
