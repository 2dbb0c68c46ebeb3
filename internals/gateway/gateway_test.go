package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetverse/signaling-go/internals/config"
	"github.com/meetverse/signaling-go/internals/signaling"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			MaxRooms:        100,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: time.Second,
		},
		Redis:   config.RedisConfig{Enabled: false},
		Metrics: config.MetricsConfig{Enabled: false},
		Signaling: config.SignalingConfig{
			WSReadLimit:     65536,
			WSWriteTimeout:  5 * time.Second,
			WSPongTimeout:   time.Minute,
			WSPingInterval:  time.Minute,
			HubPingInterval: time.Minute,
			SendBufferSize:  32,
			RateLimitPerSec: 1000,
			RateLimitBurst:  1000,
			MaxRoomIDLength: 128,
		},
	}
}

// startGateway brings up a gateway on an httptest server and returns it with
// the websocket URL to dial.
func startGateway(t *testing.T) (*Gateway, string) {
	t.Helper()

	g := NewGateway(testConfig())
	go g.hub.Run()

	mux := http.NewServeMux()
	g.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return g, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "dial websocket")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg signaling.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// recv reads the next signaling event, skipping keepalive pings.
func recv(t *testing.T, conn *websocket.Conn) signaling.Message {
	t.Helper()

	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg signaling.Message
		require.NoError(t, conn.ReadJSON(&msg), "read websocket message")
		if msg.Type == signaling.MessageTypePing {
			continue
		}
		return msg
	}
}

// recvNothing asserts that no signaling event arrives within the window.
func recvNothing(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(window))
	var msg signaling.Message
	err := conn.ReadJSON(&msg)
	if err == nil && msg.Type == signaling.MessageTypePing {
		return
	}
	require.Error(t, err, "expected no message, got %v", msg.Type)
	assert.True(t, strings.Contains(err.Error(), "timeout") ||
		strings.Contains(err.Error(), "deadline"), "unexpected read error: %v", err)
}

func createRoom(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	send(t, conn, signaling.Message{Type: signaling.MessageTypeCreateRoom})
	reply := recv(t, conn)
	require.Equal(t, signaling.MessageTypeRoomCreated, reply.Type)

	var created signaling.RoomCreatedMessage
	require.NoError(t, json.Unmarshal(reply.Data, &created))
	require.NotEmpty(t, created.RoomID)
	return created.RoomID
}

func TestEndToEndPairing(t *testing.T) {
	g, wsURL := startGateway(t)

	first := dial(t, wsURL)
	roomID := createRoom(t, first)
	assert.True(t, g.registry.Exists(roomID))

	second := dial(t, wsURL)
	send(t, second, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: roomID})

	joined := recv(t, second)
	require.Equal(t, signaling.MessageTypeRoomJoined, joined.Type)
	var ack signaling.RoomJoinedMessage
	require.NoError(t, json.Unmarshal(joined.Data, &ack))
	assert.Equal(t, roomID, ack.RoomID)
	assert.False(t, ack.IsCreator)

	notice := recv(t, first)
	assert.Equal(t, signaling.MessageTypeUserJoined, notice.Type)

	// Candidate relays verbatim to the peer, stripped of room metadata.
	payload := json.RawMessage(`{"sdpMid":"0"}`)
	send(t, first, signaling.Message{
		Type:   signaling.MessageTypeCandidate,
		Data:   payload,
		RoomID: roomID,
	})

	relayed := recv(t, second)
	assert.Equal(t, signaling.MessageTypeCandidate, relayed.Type)
	assert.JSONEq(t, string(payload), string(relayed.Data))
	assert.Empty(t, relayed.RoomID)

	// The sender must never receive its own message back.
	recvNothing(t, first, 300*time.Millisecond)

	// Second participant drops: survivor gets exactly one user-left and the
	// room stays open for them.
	require.NoError(t, second.Close())
	left := recv(t, first)
	assert.Equal(t, signaling.MessageTypeUserLeft, left.Type)
	recvNothing(t, first, 300*time.Millisecond)
	assert.True(t, g.registry.Exists(roomID))

	// Last participant drops: the room is gone.
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		return !g.registry.Exists(roomID)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestJoinUnknownRoom(t *testing.T) {
	g, wsURL := startGateway(t)

	conn := dial(t, wsURL)
	send(t, conn, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: "no-such-room"})

	reply := recv(t, conn)
	require.Equal(t, signaling.MessageTypeRoomError, reply.Type)
	var rerr signaling.RoomErrorMessage
	require.NoError(t, json.Unmarshal(reply.Data, &rerr))
	assert.Equal(t, "Room not found", rerr.Reason)

	// A rejected join must not create the room.
	assert.False(t, g.registry.Exists("no-such-room"))
	assert.Equal(t, 0, g.registry.RoomCount())
}

func TestJoinFullRoom(t *testing.T) {
	g, wsURL := startGateway(t)

	first := dial(t, wsURL)
	roomID := createRoom(t, first)

	second := dial(t, wsURL)
	send(t, second, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: roomID})
	require.Equal(t, signaling.MessageTypeRoomJoined, recv(t, second).Type)
	require.Equal(t, signaling.MessageTypeUserJoined, recv(t, first).Type)

	third := dial(t, wsURL)
	send(t, third, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: roomID})

	reply := recv(t, third)
	require.Equal(t, signaling.MessageTypeRoomError, reply.Type)
	var rerr signaling.RoomErrorMessage
	require.NoError(t, json.Unmarshal(reply.Data, &rerr))
	assert.Equal(t, "Room is full", rerr.Reason)

	// The rejection must not disturb the existing pairing.
	assert.True(t, g.registry.Exists(roomID))
	send(t, first, signaling.Message{
		Type:   signaling.MessageTypeOffer,
		Data:   json.RawMessage(`{"sdp":"v=0"}`),
		RoomID: roomID,
	})
	assert.Equal(t, signaling.MessageTypeOffer, recv(t, second).Type)
	recvNothing(t, third, 300*time.Millisecond)
}

func TestNegotiationFromNonParticipantIsDropped(t *testing.T) {
	_, wsURL := startGateway(t)

	first := dial(t, wsURL)
	roomID := createRoom(t, first)

	second := dial(t, wsURL)
	send(t, second, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: roomID})
	require.Equal(t, signaling.MessageTypeRoomJoined, recv(t, second).Type)
	require.Equal(t, signaling.MessageTypeUserJoined, recv(t, first).Type)

	// An outsider tags a forged offer with the room id. Nobody hears it and
	// the outsider gets no error back.
	outsider := dial(t, wsURL)
	send(t, outsider, signaling.Message{
		Type:   signaling.MessageTypeOffer,
		Data:   json.RawMessage(`{"sdp":"forged"}`),
		RoomID: roomID,
	})

	recvNothing(t, first, 300*time.Millisecond)
	recvNothing(t, second, 300*time.Millisecond)
	recvNothing(t, outsider, 300*time.Millisecond)
}

func TestNegotiationStaysInsideRoom(t *testing.T) {
	_, wsURL := startGateway(t)

	a1 := dial(t, wsURL)
	roomA := createRoom(t, a1)
	a2 := dial(t, wsURL)
	send(t, a2, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: roomA})
	require.Equal(t, signaling.MessageTypeRoomJoined, recv(t, a2).Type)
	require.Equal(t, signaling.MessageTypeUserJoined, recv(t, a1).Type)

	b1 := dial(t, wsURL)
	roomB := createRoom(t, b1)
	b2 := dial(t, wsURL)
	send(t, b2, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: roomB})
	require.Equal(t, signaling.MessageTypeRoomJoined, recv(t, b2).Type)
	require.Equal(t, signaling.MessageTypeUserJoined, recv(t, b1).Type)

	send(t, a1, signaling.Message{
		Type:   signaling.MessageTypeAnswer,
		Data:   json.RawMessage(`{"sdp":"answer-for-a2"}`),
		RoomID: roomA,
	})

	relayed := recv(t, a2)
	assert.Equal(t, signaling.MessageTypeAnswer, relayed.Type)
	recvNothing(t, b1, 300*time.Millisecond)
	recvNothing(t, b2, 300*time.Millisecond)
}

func TestChatRelay(t *testing.T) {
	_, wsURL := startGateway(t)

	first := dial(t, wsURL)
	roomID := createRoom(t, first)
	second := dial(t, wsURL)
	send(t, second, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: roomID})
	require.Equal(t, signaling.MessageTypeRoomJoined, recv(t, second).Type)
	require.Equal(t, signaling.MessageTypeUserJoined, recv(t, first).Type)

	send(t, first, signaling.Message{
		Type:   signaling.MessageTypeChat,
		Data:   json.RawMessage(`{"message":"hello there"}`),
		RoomID: roomID,
	})

	relayed := recv(t, second)
	require.Equal(t, signaling.MessageTypeChat, relayed.Type)
	var chat signaling.ChatMessage
	require.NoError(t, json.Unmarshal(relayed.Data, &chat))
	assert.Equal(t, "hello there", chat.Message)

	// No echo to the sender, nothing persisted to replay.
	recvNothing(t, first, 300*time.Millisecond)
}

func TestRelayPreservesSenderOrder(t *testing.T) {
	_, wsURL := startGateway(t)

	first := dial(t, wsURL)
	roomID := createRoom(t, first)
	second := dial(t, wsURL)
	send(t, second, signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: roomID})
	require.Equal(t, signaling.MessageTypeRoomJoined, recv(t, second).Type)
	require.Equal(t, signaling.MessageTypeUserJoined, recv(t, first).Type)

	send(t, first, signaling.Message{
		Type: signaling.MessageTypeOffer, Data: json.RawMessage(`{"seq":1}`), RoomID: roomID,
	})
	for i := 2; i <= 10; i++ {
		send(t, first, signaling.Message{
			Type:   signaling.MessageTypeCandidate,
			Data:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			RoomID: roomID,
		})
	}

	got := recv(t, second)
	require.Equal(t, signaling.MessageTypeOffer, got.Type)
	var seq struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &seq))
	require.Equal(t, 1, seq.Seq)
	for i := 2; i <= 10; i++ {
		got = recv(t, second)
		require.Equal(t, signaling.MessageTypeCandidate, got.Type)
		require.NoError(t, json.Unmarshal(got.Data, &seq))
		assert.Equal(t, i, seq.Seq, "relay reordered messages from one sender")
	}
}

func TestCreateWhileInRoomRejected(t *testing.T) {
	g, wsURL := startGateway(t)

	conn := dial(t, wsURL)
	createRoom(t, conn)

	send(t, conn, signaling.Message{Type: signaling.MessageTypeCreateRoom})
	reply := recv(t, conn)
	require.Equal(t, signaling.MessageTypeError, reply.Type)
	assert.Equal(t, 1, g.registry.RoomCount())
}

func TestHealthEndpoint(t *testing.T) {
	g := NewGateway(testConfig())
	go g.hub.Run()

	mux := http.NewServeMux()
	g.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Redis  string `json:"redis"`
		Rooms  int    `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "disabled", body.Redis)
	assert.Equal(t, 0, body.Rooms)
}
