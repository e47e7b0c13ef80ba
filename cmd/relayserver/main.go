// Package main runs the WebSocket room relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/frontend/handlers"
	"github.com/cory-johannsen/relay/internal/frontend/ws"
	"github.com/cory-johannsen/relay/internal/game/identity"
	"github.com/cory-johannsen/relay/internal/game/roomcode"
	"github.com/cory-johannsen/relay/internal/gameserver"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (defaults and env only when empty)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *printConfig {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			log.Fatalf("rendering config: %v", err)
		}
		_ = enc.Close()
		return
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay",
		zap.String("websocket_addr", cfg.WebSocket.Addr()),
		zap.String("websocket_path", cfg.WebSocket.Path),
		zap.Bool("health_enabled", cfg.Health.Enabled),
	)

	codes := roomcode.NewGenerator(roomcode.NewCryptoSource(), cfg.Rooms.CodeLength, cfg.Rooms.CodeAttempts)
	coord := gameserver.NewCoordinator(identity.NewGenerator(), codes, cfg.Rooms, logger)

	acceptor := ws.NewAcceptor(cfg.WebSocket, handlers.NewRelayHandler(coord, logger), logger)
	acceptor.Handle(http.MethodGet, "/stats", handlers.StatsRoute(coord))

	lifecycle := server.NewLifecycle(logger)

	if cfg.Health.Enabled {
		health := server.NewHealthServer(cfg.Health, logger)
		lifecycle.Add("grpc-health", &server.FuncService{
			StartFn: health.ListenAndServe,
			StopFn:  health.Stop,
		})
		health.ServeWhenReady(acceptor.Ready())
		lifecycle.OnShutdown(func() { health.SetServing(false) })
	}

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("websocket_addr", fmt.Sprintf("%s:%d", cfg.WebSocket.Host, cfg.WebSocket.Port)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
