package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/relay/internal/config"
)

// RelayServiceName is the grpc.health.v1 service name reported for the relay.
const RelayServiceName = "relay.v1.Relay"

// HealthServer exposes the standard gRPC health protocol for the relay.
//
// Both the overall ("") status and RelayServiceName track SetServing.
type HealthServer struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener

	stopOnce sync.Once
	stopped  chan struct{}
	watchers sync.WaitGroup
}

// NewHealthServer creates a HealthServer reporting NOT_SERVING until SetServing(true).
//
// Precondition: logger must be non-nil.
func NewHealthServer(cfg config.HealthConfig, logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(RelayServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{
		addr:   cfg.Addr(),
		logger: logger,
		grpc:   srv,
		health:  hs,
		stopped: make(chan struct{}),
	}
}

// SetServing flips the reported status for every registered service name.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(RelayServiceName, status)
}

// ServeWhenReady reports SERVING once ready is closed. The watcher exits when
// ready closes or Stop is called, whichever comes first.
func (h *HealthServer) ServeWhenReady(ready <-chan struct{}) {
	h.watchers.Add(1)
	go func() {
		defer h.watchers.Done()
		select {
		case <-ready:
			h.SetServing(true)
		case <-h.stopped:
		}
	}()
}

// ListenAndServe binds the gRPC listener and serves until Stop is called.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (h *HealthServer) ListenAndServe() error {
	start := time.Now()
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()

	h.logger.Info("gRPC health listening",
		zap.String("addr", lis.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	if err := h.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING, drains the gRPC server and waits for
// ServeWhenReady watchers. It is idempotent.
func (h *HealthServer) Stop() {
	h.stopOnce.Do(func() { close(h.stopped) })
	h.health.Shutdown()
	h.grpc.GracefulStop()
	h.watchers.Wait()
}

// Addr returns the bound address, or "" before ListenAndServe has bound.
func (h *HealthServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}
