package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/frontend/ws"
	"github.com/cory-johannsen/relay/internal/game/identity"
	"github.com/cory-johannsen/relay/internal/game/player"
	"github.com/cory-johannsen/relay/internal/game/room"
	"github.com/cory-johannsen/relay/internal/game/roomcode"
	"github.com/cory-johannsen/relay/internal/gameserver"
	"github.com/cory-johannsen/relay/internal/testutil"
)

const readTimeout = 2 * time.Second

type relayServer struct {
	coord *gameserver.Coordinator
	acc   *ws.Acceptor
	url   string
}

func startRelay(t *testing.T) *relayServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	rooms := config.RoomsConfig{CodeLength: 5, CodeAttempts: 16}
	codes := roomcode.NewGenerator(roomcode.NewCryptoSource(), rooms.CodeLength, rooms.CodeAttempts)
	coord := gameserver.NewCoordinator(identity.NewGenerator(), codes, rooms, logger)

	acc := ws.NewAcceptor(config.WebSocketConfig{
		Host:            "127.0.0.1",
		Port:            0,
		Path:            "/",
		MaxMessageBytes: 4096,
		WriteTimeout:    5 * time.Second,
		IdleTimeout:     10 * time.Second,
		PingInterval:    time.Second,
		SendBuffer:      64,
	}, NewRelayHandler(coord, logger), logger)
	acc.Handle(http.MethodGet, "/stats", StatsRoute(coord))

	errCh := make(chan error, 1)
	go func() { errCh <- acc.ListenAndServe() }()
	select {
	case <-acc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor did not start in time")
	}

	t.Cleanup(func() {
		acc.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("acceptor did not stop in time")
		}
	})
	return &relayServer{coord: coord, acc: acc, url: "ws://" + acc.Addr() + "/"}
}

// join connects a client and returns it with its server-issued uuid.
func (s *relayServer) join(t *testing.T) (*testutil.WSClient, identity.ConnectionID) {
	t.Helper()
	c := testutil.NewWSClient(t, s.url)
	var hello gameserver.JoinedServerEvent
	c.Expect(gameserver.CmdJoinedServer, readTimeout).Decode(t, &hello)
	require.NotEmpty(t, hello.UUID)
	return c, hello.UUID
}

func (s *relayServer) waitStats(t *testing.T, want gameserver.Stats) {
	t.Helper()
	require.Eventually(t, func() bool { return s.coord.Stats() == want }, 2*time.Second, 10*time.Millisecond,
		"stats never reached %+v (last %+v)", want, s.coord.Stats())
}

func TestRelay_FullSession(t *testing.T) {
	s := startRelay(t)
	a, aID := s.join(t)
	b, bID := s.join(t)
	assert.NotEqual(t, aID, bID)

	a.Send(gameserver.CmdCreateRoom, map[string]any{})
	var created gameserver.RoomCodeEvent
	a.Expect(gameserver.CmdRoomCreated, readTimeout).Decode(t, &created)
	var aLocal gameserver.PlayerEvent
	a.Expect(gameserver.CmdSpawnLocalPlayer, readTimeout).Decode(t, &aLocal)
	assert.Equal(t, player.Player{ID: aID, Room: created.Code, X: 550, Y: 300}, aLocal.Player)

	b.Send(gameserver.CmdJoinRoom, map[string]any{"code": created.Code})
	b.Expect(gameserver.CmdRoomJoined, readTimeout)
	var bLocal gameserver.PlayerEvent
	b.Expect(gameserver.CmdSpawnLocalPlayer, readTimeout).Decode(t, &bLocal)
	assert.Equal(t, player.Player{ID: bID, Room: created.Code, X: 700, Y: 300}, bLocal.Player)
	var network gameserver.PlayersEvent
	b.Expect(gameserver.CmdSpawnNetworkPlayers, readTimeout).Decode(t, &network)
	require.Len(t, network.Players, 1)
	assert.Equal(t, aID, network.Players[0].ID)
	b.Expect(gameserver.CmdStartGame, readTimeout)

	var spawned gameserver.PlayerEvent
	a.Expect(gameserver.CmdSpawnNewPlayer, readTimeout).Decode(t, &spawned)
	assert.Equal(t, bID, spawned.Player.ID)
	a.Expect(gameserver.CmdStartGame, readTimeout)

	a.Send(gameserver.CmdPosition, map[string]any{"x": 10, "y": 20})
	var pos gameserver.PositionEvent
	b.Expect(gameserver.CmdUpdatePosition, readTimeout).Decode(t, &pos)
	assert.Equal(t, gameserver.PositionEvent{UUID: aID, X: 10, Y: 20}, pos)

	a.Send(gameserver.CmdChat, map[string]any{"msg": "hi"})
	for _, c := range []*testutil.WSClient{a, b} {
		var chat gameserver.ChatEvent
		c.Expect(gameserver.CmdNewChatMessage, readTimeout).Decode(t, &chat)
		assert.Equal(t, gameserver.ChatEvent{UUID: aID, Msg: "hi"}, chat)
	}

	b.Close()
	var gone gameserver.DisconnectedEvent
	a.Expect(gameserver.CmdPlayerDisconnected, readTimeout).Decode(t, &gone)
	assert.Equal(t, bID, gone.UUID)
	s.waitStats(t, gameserver.Stats{Connections: 1, Rooms: 1, Players: 1})

	a.Close()
	s.waitStats(t, gameserver.Stats{})

	c, _ := s.join(t)
	c.Send(gameserver.CmdJoinRoom, map[string]any{"code": created.Code})
	var notFound gameserver.ErrorEvent
	c.Expect(gameserver.CmdError, readTimeout).Decode(t, &notFound)
	assert.Equal(t, gameserver.MsgRoomNotFound, notFound.Msg)
}

func TestRelay_PositionNotEchoedToSender(t *testing.T) {
	s := startRelay(t)
	a, _ := s.join(t)
	b, _ := s.join(t)

	a.Send(gameserver.CmdCreateRoom, map[string]any{})
	var created gameserver.RoomCodeEvent
	a.Expect(gameserver.CmdRoomCreated, readTimeout).Decode(t, &created)
	a.Expect(gameserver.CmdSpawnLocalPlayer, readTimeout)
	b.Send(gameserver.CmdJoinRoom, map[string]any{"code": created.Code})
	a.Expect(gameserver.CmdSpawnNewPlayer, readTimeout)
	a.Expect(gameserver.CmdStartGame, readTimeout)

	a.Send(gameserver.CmdPosition, map[string]any{"x": 1, "y": 2})
	a.ExpectSilence(200 * time.Millisecond)
}

func TestRelay_MalformedFramesKeepConnection(t *testing.T) {
	s := startRelay(t)
	a, _ := s.join(t)

	a.SendRaw(websocket.TextMessage, []byte("not json"))
	a.SendRaw(websocket.TextMessage, []byte(`{"cmd":"join_room","content":{}}`))
	a.SendRaw(websocket.TextMessage, []byte(`{"cmd":"position","content":{"x":"left"}}`))
	a.SendRaw(websocket.TextMessage, []byte(`{"cmd":"dance","content":{}}`))
	a.SendRaw(websocket.BinaryMessage, []byte(`{"cmd":"create_room","content":{}}`))

	// The connection is still healthy and nothing above was applied.
	a.Send(gameserver.CmdCreateRoom, map[string]any{})
	a.Expect(gameserver.CmdRoomCreated, readTimeout)
	assert.Equal(t, gameserver.Stats{Connections: 1, Rooms: 1, Players: 1}, s.coord.Stats())
}

func TestRelay_UnknownRoomThenCreate(t *testing.T) {
	s := startRelay(t)
	a, _ := s.join(t)

	a.Send(gameserver.CmdJoinRoom, map[string]any{"code": "zzzzz"})
	var e gameserver.ErrorEvent
	a.Expect(gameserver.CmdError, readTimeout).Decode(t, &e)
	assert.Equal(t, gameserver.MsgRoomNotFound, e.Msg)
	assert.Equal(t, gameserver.Stats{Connections: 1}, s.coord.Stats())

	a.Send(gameserver.CmdCreateRoom, map[string]any{})
	a.Expect(gameserver.CmdRoomCreated, readTimeout)
}

func TestRelay_StatsRoute(t *testing.T) {
	s := startRelay(t)
	a, _ := s.join(t)
	a.Send(gameserver.CmdCreateRoom, map[string]any{})
	a.Expect(gameserver.CmdRoomCreated, readTimeout)

	resp, err := http.Get("http://" + s.acc.Addr() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats gameserver.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, gameserver.Stats{Connections: 1, Rooms: 1, Players: 1}, stats)
}

func TestRelay_ManyRooms(t *testing.T) {
	s := startRelay(t)
	const rooms = 10

	codes := make(map[string]bool, rooms)
	for i := 0; i < rooms; i++ {
		host, _ := s.join(t)
		host.Send(gameserver.CmdCreateRoom, map[string]any{})
		var created gameserver.RoomCodeEvent
		host.Expect(gameserver.CmdRoomCreated, readTimeout).Decode(t, &created)
		require.False(t, codes[created.Code], "room code %s issued twice", created.Code)
		codes[created.Code] = true
	}
	assert.Equal(t, rooms, s.coord.Stats().Rooms)
}

func TestDispatchLevel(t *testing.T) {
	cases := []struct {
		err  error
		want zapcore.Level
	}{
		{fmt.Errorf("x: %w", gameserver.ErrMalformed), zapcore.DebugLevel},
		{gameserver.ErrUnknownCommand, zapcore.DebugLevel},
		{gameserver.ErrNotInRoom, zapcore.DebugLevel},
		{fmt.Errorf("joining room: %w", room.ErrRoomNotFound), zapcore.InfoLevel},
		{gameserver.ErrAlreadyInRoom, zapcore.InfoLevel},
		{fmt.Errorf("reserving: %w", roomcode.ErrCodeSpaceExhausted), zapcore.WarnLevel},
		{errors.New("surprise"), zapcore.ErrorLevel},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, dispatchLevel(tc.err), "%v", tc.err)
	}
}
