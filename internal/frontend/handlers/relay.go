// Package handlers connects WebSocket sessions to the relay coordinator.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/relay/internal/frontend/ws"
	"github.com/cory-johannsen/relay/internal/game/identity"
	"github.com/cory-johannsen/relay/internal/game/room"
	"github.com/cory-johannsen/relay/internal/game/roomcode"
	"github.com/cory-johannsen/relay/internal/game/session"
	"github.com/cory-johannsen/relay/internal/gameserver"
	"github.com/cory-johannsen/relay/internal/observability"
)

// Relay is the coordinator surface a session needs.
type Relay interface {
	Connect(sink session.Sink) identity.ConnectionID
	Dispatch(id identity.ConnectionID, data []byte) error
	Disconnect(id identity.ConnectionID)
	Stats() gameserver.Stats
}

// RelayHandler runs the read loop of one client: it registers the connection,
// feeds every text frame to the coordinator and disconnects on exit.
type RelayHandler struct {
	relay  Relay
	logger *zap.Logger
}

// NewRelayHandler creates a RelayHandler.
//
// Precondition: relay and logger must be non-nil.
func NewRelayHandler(relay Relay, logger *zap.Logger) *RelayHandler {
	return &RelayHandler{relay: relay, logger: logger}
}

// HandleSession implements ws.SessionHandler.
//
// Postcondition: The connection is disconnected from the relay when this returns.
func (h *RelayHandler) HandleSession(ctx context.Context, conn *ws.Conn) error {
	outbox := conn.Outbox()
	id := h.relay.Connect(outbox)
	outbox.Bind(id)
	defer h.relay.Disconnect(id)

	log := observability.ConnLogger(h.logger, id.String(), conn.RemoteAddr())
	log.Info("joined server")

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := h.relay.Dispatch(id, data); err != nil {
			log.Log(dispatchLevel(err), "event not applied", zap.Error(err))
		}
	}
}

// dispatchLevel picks the log level for a Dispatch error. Client mistakes and
// orphaned events are routine; anything else points at the server.
func dispatchLevel(err error) zapcore.Level {
	switch {
	case errors.Is(err, gameserver.ErrMalformed),
		errors.Is(err, gameserver.ErrUnknownCommand),
		errors.Is(err, gameserver.ErrNotInRoom),
		errors.Is(err, gameserver.ErrUnknownConnection):
		return zapcore.DebugLevel
	case errors.Is(err, room.ErrRoomNotFound),
		errors.Is(err, gameserver.ErrAlreadyInRoom):
		return zapcore.InfoLevel
	case errors.Is(err, roomcode.ErrCodeSpaceExhausted):
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// StatsRoute serves the relay's current counts as JSON.
func StatsRoute(relay Relay) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		ws.WriteJSON(w, http.StatusOK, relay.Stats())
	}
}
