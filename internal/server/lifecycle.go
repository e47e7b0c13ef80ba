// Package server provides application lifecycle management for the relay:
// ordered startup, signal-driven shutdown and the gRPC health endpoint.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component of the relay process.
type Service interface {
	// Start blocks until the service stops or fails. A nil return after Stop is
	// a clean exit.
	Start() error
	// Stop asks the service to finish and returns once it has.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle runs the relay's services: started in registration order, stopped
// in reverse, with shutdown hooks run first.
type Lifecycle struct {
	logger *zap.Logger

	mu       sync.Mutex
	services []namedService
	hooks    []func()
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates an empty Lifecycle.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers a named service.
//
// Precondition: name must be non-empty; svc must be non-nil; Run has not started.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// OnShutdown registers fn to run once shutdown begins, before any service is stopped.
func (l *Lifecycle) OnShutdown(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Run starts every service and blocks until SIGINT or SIGTERM arrives, ctx is
// cancelled, or a service fails.
//
// Postcondition: Every service has been stopped. Returns the first service
// failure, or nil on signal or cancellation.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	hooks := append([]func(){}, l.hooks...)
	l.mu.Unlock()

	failures := l.start(services)
	l.logger.Info("services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	runErr := l.wait(ctx, failures)

	stopStart := time.Now()
	for _, fn := range hooks {
		fn()
	}
	l.stop(services)
	l.logger.Info("shutdown complete",
		zap.Duration("shutdown", time.Since(stopStart)),
		zap.Duration("uptime", time.Since(start)),
	)
	return runErr
}

// start launches each service on its own goroutine. Failures are reported on
// the returned channel, which has room for one per service.
func (l *Lifecycle) start(services []namedService) <-chan error {
	failures := make(chan error, len(services))
	for _, ns := range services {
		ns := ns
		l.logger.Info("starting service", zap.String("service", ns.name))
		go func() {
			began := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Duration("uptime", time.Since(began)),
					zap.Error(err),
				)
				failures <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}
	return failures
}

// wait blocks until the process should shut down and returns the failure that
// caused it, if any.
func (l *Lifecycle) wait(ctx context.Context, failures <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return nil
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
		return nil
	case err := <-failures:
		return err
	}
}

func (l *Lifecycle) stop(services []namedService) {
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		began := time.Now()
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(began)),
		)
	}
}
