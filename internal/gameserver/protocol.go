package gameserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cory-johannsen/relay/internal/game/identity"
	"github.com/cory-johannsen/relay/internal/game/player"
)

// Inbound commands.
const (
	CmdCreateRoom = "create_room"
	CmdJoinRoom   = "join_room"
	CmdPosition   = "position"
	CmdChat       = "chat"
)

// Outbound commands.
const (
	CmdJoinedServer        = "joined_server"
	CmdRoomCreated         = "room_created"
	CmdRoomJoined          = "room_joined"
	CmdError               = "error"
	CmdSpawnLocalPlayer    = "spawn_local_player"
	CmdSpawnNetworkPlayers = "spawn_network_players"
	CmdSpawnNewPlayer      = "spawn_new_player"
	CmdStartGame           = "start_game"
	CmdUpdatePosition      = "update_position"
	CmdNewChatMessage      = "new_chat_message"
	CmdPlayerDisconnected  = "player_disconnected"
)

var (
	// ErrMalformed is returned for frames that are not a well-formed envelope or
	// whose content lacks a required field.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownCommand is returned for envelopes with an unrecognized cmd.
	ErrUnknownCommand = errors.New("unknown command")
)

// Envelope is the frame shape used in both directions.
type Envelope struct {
	Cmd     string          `json:"cmd"`
	Content json.RawMessage `json:"content"`
}

// JoinRoomRequest is the content of join_room.
type JoinRoomRequest struct {
	Code string
}

// PositionRequest is the content of position.
type PositionRequest struct {
	X float64
	Y float64
}

// ChatRequest is the content of chat.
type ChatRequest struct {
	Msg string
}

// Outbound payloads.
type (
	JoinedServerEvent struct {
		UUID identity.ConnectionID `json:"uuid"`
	}
	RoomCodeEvent struct {
		Code string `json:"code"`
	}
	ErrorEvent struct {
		Msg string `json:"msg"`
	}
	PlayerEvent struct {
		Player player.Player `json:"player"`
	}
	PlayersEvent struct {
		Players []player.Player `json:"players"`
	}
	StartGameEvent struct{}
	PositionEvent  struct {
		UUID identity.ConnectionID `json:"uuid"`
		X    float64               `json:"x"`
		Y    float64               `json:"y"`
	}
	ChatEvent struct {
		UUID identity.ConnectionID `json:"uuid"`
		Msg  string                `json:"msg"`
	}
	DisconnectedEvent struct {
		UUID identity.ConnectionID `json:"uuid"`
	}
)

// DecodeEnvelope parses one inbound frame.
//
// Postcondition: Returns ErrMalformed when data is not a JSON object with a string cmd.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Cmd == "" {
		return Envelope{}, fmt.Errorf("%w: missing cmd", ErrMalformed)
	}
	return env, nil
}

// EncodeEnvelope builds one outbound frame.
//
// Precondition: content must be JSON-serializable.
func EncodeEnvelope(cmd string, content any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", cmd, err)
	}
	return json.Marshal(Envelope{Cmd: cmd, Content: raw})
}

// decodeContent unmarshals content into a struct of pointer fields so that
// absent keys can be told apart from zero values.
func decodeContent(cmd string, content json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(content)) == 0 || bytes.Equal(bytes.TrimSpace(content), []byte("null")) {
		return fmt.Errorf("%w: %s has no content", ErrMalformed, cmd)
	}
	if err := json.Unmarshal(content, dst); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrMalformed, cmd, err)
	}
	return nil
}

// ParseJoinRoom validates join_room content.
func ParseJoinRoom(content json.RawMessage) (JoinRoomRequest, error) {
	var body struct {
		Code *string `json:"code"`
	}
	if err := decodeContent(CmdJoinRoom, content, &body); err != nil {
		return JoinRoomRequest{}, err
	}
	if body.Code == nil {
		return JoinRoomRequest{}, fmt.Errorf("%w: join_room requires code", ErrMalformed)
	}
	return JoinRoomRequest{Code: *body.Code}, nil
}

// ParsePosition validates position content. Both coordinates must be numbers.
func ParsePosition(content json.RawMessage) (PositionRequest, error) {
	var body struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := decodeContent(CmdPosition, content, &body); err != nil {
		return PositionRequest{}, err
	}
	if body.X == nil || body.Y == nil {
		return PositionRequest{}, fmt.Errorf("%w: position requires x and y", ErrMalformed)
	}
	return PositionRequest{X: *body.X, Y: *body.Y}, nil
}

// ParseChat validates chat content.
func ParseChat(content json.RawMessage) (ChatRequest, error) {
	var body struct {
		Msg *string `json:"msg"`
	}
	if err := decodeContent(CmdChat, content, &body); err != nil {
		return ChatRequest{}, err
	}
	if body.Msg == nil {
		return ChatRequest{}, fmt.Errorf("%w: chat requires msg", ErrMalformed)
	}
	return ChatRequest{Msg: *body.Msg}, nil
}
