// Package gameserver implements the relay's session coordinator: the protocol
// state machine that owns the room table and player registry and routes events
// between room members.
package gameserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/game/identity"
	"github.com/cory-johannsen/relay/internal/game/player"
	"github.com/cory-johannsen/relay/internal/game/room"
	"github.com/cory-johannsen/relay/internal/game/roomcode"
	"github.com/cory-johannsen/relay/internal/game/session"
)

var (
	// ErrAlreadyInRoom is returned when a bound connection sends create_room or join_room.
	ErrAlreadyInRoom = errors.New("connection already in a room")
	// ErrNotInRoom is returned for position and chat from a connection with no live room.
	ErrNotInRoom = errors.New("connection not in a room")
	// ErrUnknownConnection is returned for events from a connection that is not registered.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Client-facing error texts carried in error events.
const (
	MsgRoomNotFound   = "Room not found."
	MsgAlreadyInRoom  = "Already in a room."
	MsgRoomCreateFail = "Could not create a room, try again."
	MsgJoinFail       = "Could not join the room."
)

// connState is the coordinator's view of one connection.
type connState struct {
	sink session.Sink
	// room is empty while the connection is unbound.
	room string
}

// Stats is a point-in-time count of coordinator state.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Players     int `json:"players"`
}

// Coordinator is the single owner of the room table, the player registry and
// the connection directory. One mutex covers all three so that create, join and
// leave update them as a pair.
//
// Sends happen under the lock, but Sink.Push never blocks.
type Coordinator struct {
	ids         identity.Generator
	codes       *roomcode.Generator
	repeatStart bool
	logger      *zap.Logger

	mu      sync.Mutex
	rooms   *room.Table
	players *player.Registry
	conns   map[identity.ConnectionID]*connState
}

// NewCoordinator creates a Coordinator with empty state.
//
// Precondition: ids, codes and logger must be non-nil.
// Postcondition: Returns a Coordinator with no connections, rooms or players.
func NewCoordinator(ids identity.Generator, codes *roomcode.Generator, cfg config.RoomsConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		ids:         ids,
		codes:       codes,
		repeatStart: cfg.RepeatStartGame,
		logger:      logger,
		rooms:       room.NewTable(),
		players:     player.NewRegistry(),
		conns:       make(map[identity.ConnectionID]*connState),
	}
}

// Connect registers a new connection and greets it with joined_server.
//
// Precondition: sink must be non-nil and open.
// Postcondition: Returns the connection's ID; the connection is unbound.
func (c *Coordinator) Connect(sink session.Sink) identity.ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.ids.Issue()
	c.conns[id] = &connState{sink: sink}
	c.send(id, CmdJoinedServer, JoinedServerEvent{UUID: id})

	c.logger.Debug("connection registered",
		zap.String("conn_id", id.String()),
		zap.Int("connections", len(c.conns)),
	)
	return id
}

// Dispatch handles one inbound frame from id.
//
// Postcondition: Malformed frames and unknown commands return ErrMalformed or
// ErrUnknownCommand and change nothing. Other errors classify what happened;
// any client-visible reply has already been queued.
func (c *Coordinator) Dispatch(id identity.ConnectionID, data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}

	switch env.Cmd {
	case CmdCreateRoom:
		return c.createRoom(id)
	case CmdJoinRoom:
		req, err := ParseJoinRoom(env.Content)
		if err != nil {
			return err
		}
		return c.joinRoom(id, req)
	case CmdPosition:
		req, err := ParsePosition(env.Content)
		if err != nil {
			return err
		}
		return c.position(id, req)
	case CmdChat:
		req, err := ParseChat(env.Content)
		if err != nil {
			return err
		}
		return c.chat(id, req)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, env.Cmd)
	}
}

func (c *Coordinator) createRoom(id identity.ConnectionID) error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if cs.room != "" {
		c.send(id, CmdError, ErrorEvent{Msg: MsgAlreadyInRoom})
		return fmt.Errorf("%w: %s", ErrAlreadyInRoom, cs.room)
	}

	code, err := c.codes.Reserve(c.rooms.Exists)
	if err != nil {
		c.send(id, CmdError, ErrorEvent{Msg: MsgRoomCreateFail})
		return fmt.Errorf("reserving room code: %w", err)
	}
	r, err := c.rooms.Create(code, id)
	if err != nil {
		c.send(id, CmdError, ErrorEvent{Msg: MsgRoomCreateFail})
		return fmt.Errorf("creating room: %w", err)
	}
	p, err := c.players.Add(id, r.Code)
	if err != nil {
		c.rooms.Leave(r.Code, id)
		c.send(id, CmdError, ErrorEvent{Msg: MsgRoomCreateFail})
		return fmt.Errorf("adding player: %w", err)
	}
	cs.room = r.Code

	c.send(id, CmdRoomCreated, RoomCodeEvent{Code: r.Code})
	c.send(id, CmdSpawnLocalPlayer, PlayerEvent{Player: p})

	c.logger.Info("room created",
		zap.String("conn_id", id.String()),
		zap.String("room", r.Code),
		zap.Int("rooms", c.rooms.Count()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (c *Coordinator) joinRoom(id identity.ConnectionID, req JoinRoomRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if cs.room != "" {
		c.send(id, CmdError, ErrorEvent{Msg: MsgAlreadyInRoom})
		return fmt.Errorf("%w: %s", ErrAlreadyInRoom, cs.room)
	}

	r, err := c.rooms.Join(req.Code, id)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.send(id, CmdError, ErrorEvent{Msg: MsgRoomNotFound})
		} else {
			c.send(id, CmdError, ErrorEvent{Msg: MsgJoinFail})
		}
		return fmt.Errorf("joining room: %w", err)
	}
	p, err := c.players.Add(id, r.Code)
	if err != nil {
		c.rooms.Leave(r.Code, id)
		c.send(id, CmdError, ErrorEvent{Msg: MsgJoinFail})
		return fmt.Errorf("adding player: %w", err)
	}
	cs.room = r.Code

	others := make([]player.Player, 0, r.Size())
	for _, other := range c.players.ByRoom(r.Code) {
		if other.ID != id {
			others = append(others, other)
		}
	}

	c.send(id, CmdRoomJoined, RoomCodeEvent{Code: r.Code})
	c.send(id, CmdSpawnLocalPlayer, PlayerEvent{Player: p})
	c.send(id, CmdSpawnNetworkPlayers, PlayersEvent{Players: others})
	c.broadcast(c.rooms.MembersOf(r.Code, id), CmdSpawnNewPlayer, PlayerEvent{Player: p})

	if r.Size() >= 2 {
		switch {
		case c.rooms.MarkStarted(r.Code) || c.repeatStart:
			c.broadcast(c.rooms.MembersOf(r.Code, ""), CmdStartGame, StartGameEvent{})
		default:
			// The room is already running; only the newcomer needs the signal.
			c.send(id, CmdStartGame, StartGameEvent{})
		}
	}

	c.logger.Info("player joined room",
		zap.String("conn_id", id.String()),
		zap.String("room", r.Code),
		zap.Int("members", r.Size()),
	)
	return nil
}

func (c *Coordinator) position(id identity.ConnectionID, req PositionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, err := c.boundRoom(id)
	if err != nil {
		return err
	}
	c.players.Update(id, req.X, req.Y)
	c.broadcast(c.rooms.MembersOf(code, id), CmdUpdatePosition, PositionEvent{UUID: id, X: req.X, Y: req.Y})
	return nil
}

func (c *Coordinator) chat(id identity.ConnectionID, req ChatRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, err := c.boundRoom(id)
	if err != nil {
		return err
	}
	c.broadcast(c.rooms.MembersOf(code, ""), CmdNewChatMessage, ChatEvent{UUID: id, Msg: req.Msg})
	return nil
}

// boundRoom returns the live room id belongs to.
//
// Precondition: c.mu is held.
func (c *Coordinator) boundRoom(id identity.ConnectionID) (string, error) {
	cs, ok := c.conns[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if cs.room == "" || !c.rooms.Exists(cs.room) {
		return "", fmt.Errorf("%w: %s", ErrNotInRoom, id)
	}
	return cs.room, nil
}

// Disconnect forgets id, removes its player and room membership, and tells the
// remaining members. A room left empty is deleted in the same critical section.
//
// Postcondition: id's sink is closed. Calling Disconnect again is a no-op.
func (c *Coordinator) Disconnect(id identity.ConnectionID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.conns[id]
	if !ok {
		return
	}
	delete(c.conns, id)
	_ = cs.sink.Close()
	c.players.Remove(id)

	if cs.room == "" {
		c.logger.Debug("unbound connection closed", zap.String("conn_id", id.String()))
		return
	}

	remaining, deleted := c.rooms.Leave(cs.room, id)
	if deleted {
		c.logger.Info("room closed",
			zap.String("room", cs.room),
			zap.String("last_conn_id", id.String()),
		)
		return
	}
	if remaining > 0 {
		c.broadcast(c.rooms.MembersOf(cs.room, ""), CmdPlayerDisconnected, DisconnectedEvent{UUID: id})
	}
	c.logger.Info("player left room",
		zap.String("conn_id", id.String()),
		zap.String("room", cs.room),
		zap.Int("members", remaining),
	)
}

// Stats returns current counts.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Connections: len(c.conns),
		Rooms:       c.rooms.Count(),
		Players:     c.players.Count(),
	}
}

// send queues one frame for id.
//
// Precondition: c.mu is held.
func (c *Coordinator) send(id identity.ConnectionID, cmd string, content any) {
	frame, err := EncodeEnvelope(cmd, content)
	if err != nil {
		c.logger.Error("encoding frame", zap.String("cmd", cmd), zap.Error(err))
		return
	}
	c.push(id, cmd, frame)
}

// broadcast queues the same frame for every id in targets. Members that cannot
// accept it are skipped.
//
// Precondition: c.mu is held.
func (c *Coordinator) broadcast(targets []identity.ConnectionID, cmd string, content any) {
	if len(targets) == 0 {
		return
	}
	frame, err := EncodeEnvelope(cmd, content)
	if err != nil {
		c.logger.Error("encoding frame", zap.String("cmd", cmd), zap.Error(err))
		return
	}
	for _, id := range targets {
		c.push(id, cmd, frame)
	}
}

func (c *Coordinator) push(id identity.ConnectionID, cmd string, frame []byte) {
	cs, ok := c.conns[id]
	if !ok {
		return
	}
	err := cs.sink.Push(frame)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrFull):
		// The transport drops the peer; its disconnect reaches the room then.
		c.logger.Warn("peer fell behind, frame dropped",
			zap.String("conn_id", id.String()),
			zap.String("cmd", cmd),
			zap.Error(err),
		)
	default:
		c.logger.Debug("dropping frame",
			zap.String("conn_id", id.String()),
			zap.String("cmd", cmd),
			zap.Error(err),
		)
	}
}
