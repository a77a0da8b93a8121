package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsignal/internal/hub"
	"chatsignal/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWsServer spins up a real HTTP server with the /ws upgrade route and
// returns its ws:// URL, so tests exercise the full upgrade + handshake +
// dispatch path over actual WebSocket connections.
func newWsServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := hub.New(nil)
	srv := NewServer(h, nil, nil)
	router := gin.New()
	router.GET("/ws", srv.ServeWs)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWs(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWs(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(typ, payload)
	require.NoError(t, err)
	raw, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readWs(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	return f
}

// readUntil discards frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) *protocol.Frame {
	t.Helper()
	for i := 0; i < 32; i++ {
		if f := readWs(t, conn); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame arrived", typ)
	return nil
}

func payloadAs[T any](t *testing.T, f *protocol.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, decodePayload(f, &v))
	return v
}

// connectAs completes the handshake and consumes the initial
// connection_ack and rooms_list frames.
func connectAs(t *testing.T, url, username string) *websocket.Conn {
	t.Helper()
	conn := dialWs(t, url)
	sendWs(t, conn, protocol.TypeConnect, protocol.ConnectPayload{Username: username})
	f := readWs(t, conn)
	require.Equal(t, protocol.TypeConnectionAck, f.Type)
	readUntil(t, conn, protocol.TypeRoomsList)
	return conn
}

func TestHandshakeFirstFrameMustBeConnect(t *testing.T) {
	url := newWsServer(t)
	conn := dialWs(t, url)

	sendWs(t, conn, protocol.TypeListRooms, protocol.ListRoomsPayload{})
	f := readWs(t, conn)
	require.Equal(t, protocol.TypeConnectionError, f.Type)
	assert.Equal(t, "Primer mensaje debe ser de conexión",
		payloadAs[protocol.ConnectionErrorPayload](t, f).Reason)

	// The connection survives the rejection; a retry succeeds.
	sendWs(t, conn, protocol.TypeConnect, protocol.ConnectPayload{Username: "alice"})
	f = readWs(t, conn)
	assert.Equal(t, protocol.TypeConnectionAck, f.Type)
}

func TestHandshakeRejectsDuplicateName(t *testing.T) {
	url := newWsServer(t)
	connectAs(t, url, "alice")

	conn := dialWs(t, url)
	sendWs(t, conn, protocol.TypeConnect, protocol.ConnectPayload{Username: "ALICE"})
	f := readWs(t, conn)
	require.Equal(t, protocol.TypeConnectionError, f.Type)
	assert.Equal(t, "Nombre de usuario inválido o ya en uso",
		payloadAs[protocol.ConnectionErrorPayload](t, f).Reason)

	// A different name on the same connection is accepted.
	sendWs(t, conn, protocol.TypeConnect, protocol.ConnectPayload{Username: "bob"})
	f = readWs(t, conn)
	assert.Equal(t, protocol.TypeConnectionAck, f.Type)
}

func TestHandshakeMalformedFrame(t *testing.T) {
	url := newWsServer(t)
	conn := dialWs(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readWs(t, conn)
	require.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "mensaje inválido", payloadAs[protocol.ErrorPayload](t, f).Message)

	sendWs(t, conn, protocol.TypeConnect, protocol.ConnectPayload{Username: "alice"})
	f = readWs(t, conn)
	assert.Equal(t, protocol.TypeConnectionAck, f.Type)
}

func TestJoinAndChatEndToEnd(t *testing.T) {
	url := newWsServer(t)
	alice := connectAs(t, url, "alice")
	bob := connectAs(t, url, "bob")

	sendWs(t, alice, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomName: hub.DefaultRoomName})
	readUntil(t, alice, protocol.TypeRoomUsers)

	sendWs(t, bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomName: hub.DefaultRoomName})
	readUntil(t, bob, protocol.TypeRoomUsers)

	// alice, already in the room, sees bob's arrival; bob does not see his own.
	joined := payloadAs[protocol.UserJoinedPayload](t, readUntil(t, alice, protocol.TypeUserJoined))
	assert.Equal(t, "bob", joined.Username)

	// room_name omitted: the server defaults to the sender's current room.
	sendWs(t, alice, protocol.TypeChatMessage, protocol.ChatMessagePayload{Content: "hi"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := payloadAs[protocol.ChatMessagePayload](t, readUntil(t, conn, protocol.TypeChatMessage))
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, hub.DefaultRoomName, msg.RoomName)
		assert.Equal(t, "hi", msg.Content)
	}
}

func TestUnknownTagKeepsSessionAlive(t *testing.T) {
	url := newWsServer(t)
	conn := connectAs(t, url, "alice")

	sendWs(t, conn, protocol.MessageType("bogus_tag"), struct{}{})
	sendWs(t, conn, protocol.TypeListRooms, protocol.ListRoomsPayload{})

	f := readUntil(t, conn, protocol.TypeRoomsList)
	rooms := payloadAs[protocol.RoomsListPayload](t, f)
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, hub.DefaultRoomName, rooms.Rooms[0].Name)
}

func TestDisconnectFrameClosesConnection(t *testing.T) {
	url := newWsServer(t)
	conn := connectAs(t, url, "alice")

	sendWs(t, conn, protocol.TypeDisconnect, protocol.DisconnectPayload{Username: "alice"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	open := NewServer(nil, nil, nil)
	assert.True(t, open.originAllowed("http://anywhere.example"))

	restricted := NewServer(nil, []string{"http://localhost:3000"}, nil)
	assert.True(t, restricted.originAllowed("http://localhost:3000"))
	assert.True(t, restricted.originAllowed("HTTP://LOCALHOST:3000"))
	assert.False(t, restricted.originAllowed("http://evil.example"))
}
