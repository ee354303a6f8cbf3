package socket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridcollab/internal/collab"
)

// Helper function to read events from a WebSocket connection with a timeout.
func readEvent(t *testing.T, conn *websocket.Conn) collab.Event {
	t.Helper()
	var ev collab.Event
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message from WebSocket")
	require.NoError(t, json.Unmarshal(p, &ev), "Failed to unmarshal event JSON")
	return ev
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected no message")
}

type testServer struct {
	hub        *Hub
	dispatcher *collab.Dispatcher
	url        string
}

func newTestServer(t *testing.T, settings collab.Settings) *testServer {
	t.Helper()
	hub := NewHub(WithLogger(zap.NewNop().Sugar()))
	store := collab.NewStore(collab.NewColorAllocator(), collab.WithDefaultSettings(settings))
	d := collab.NewDispatcher(collab.DispatcherConfig{
		Store:       store,
		Broadcaster: hub,
		Logger:      zap.NewNop().Sugar(),
	})
	hub.SetHandler(d)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// For simplicity, the user ID comes from the query string in tests.
		userID := r.URL.Query().Get("user_id")
		ServeWs(hub, w, r, userID, userID == "")
	}))
	t.Cleanup(server.Close)

	return &testServer{hub: hub, dispatcher: d, url: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"}
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?user_id="+userID, nil)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) joined(t *testing.T, userID, sessionID string) *websocket.Conn {
	t.Helper()
	conn := s.dial(t, userID)
	send(t, conn, map[string]any{"type": JoinSessionType, "sessionId": sessionID, "userId": userID})
	ev := readEvent(t, conn)
	require.Equal(t, collab.EventActiveUsers, ev.Type())
	return conn
}

func TestHubJoinAndPresence(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())

	alice := srv.joined(t, "alice", "s1")

	bob := srv.dial(t, "bob")
	send(t, bob, map[string]any{"type": JoinSessionType, "sessionId": "s1", "userId": "bob"})
	snapshot := readEvent(t, bob)
	require.Equal(t, collab.EventActiveUsers, snapshot.Type())
	users := snapshot.Data.(collab.ActiveUsersSnapshot)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].ID)

	joined := readEvent(t, alice)
	assert.Equal(t, collab.EventUserJoined, joined.Type())
	assert.Equal(t, "bob", joined.Data.(collab.UserJoined).ID)
	assert.Equal(t, "s1", joined.SessionID)

	expectSilence(t, bob)
	assert.Equal(t, 2, srv.hub.ConnectionCount())
	assert.Equal(t, 1, srv.hub.SessionCount())
}

func TestHubConflictScenario(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())
	alice := srv.joined(t, "alice", "s1")
	bob := srv.joined(t, "bob", "s1")
	_ = readEvent(t, alice) // bob joined

	send(t, alice, map[string]any{"type": GridChangeType, "sessionId": "s1", "position": map[string]int{"row": 2, "col": 3}, "newValue": "X"})
	change := readEvent(t, bob)
	require.Equal(t, collab.EventGridChange, change.Type())
	assert.Equal(t, "alice", change.UserID)

	send(t, bob, map[string]any{"type": GridChangeType, "sessionId": "s1", "position": map[string]int{"row": 2, "col": 3}, "newValue": "Y"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		detected := readEvent(t, conn)
		require.Equal(t, collab.EventConflictDetected, detected.Type())
		assert.Len(t, detected.Data.(collab.ConflictDetected).ConflictingChanges, 2)

		resolved := readEvent(t, conn)
		require.Equal(t, collab.EventConflictResolved, resolved.Type())
		assert.Equal(t, "Y", resolved.Data.(collab.ConflictResolved).ResolvedValue)
	}
}

func TestHubIdentityComesFromAuthentication(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())
	alice := srv.joined(t, "alice", "s1")

	mallory := srv.dial(t, "mallory")
	send(t, mallory, map[string]any{"type": JoinSessionType, "sessionId": "s1", "userId": "alice"})
	_ = readEvent(t, mallory)

	joined := readEvent(t, alice)
	assert.Equal(t, "mallory", joined.Data.(collab.UserJoined).ID)
}

func TestHubAnonymousCannotSupersedeAuthenticatedUser(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())
	alice := srv.joined(t, "alice", "s1")
	bob := srv.joined(t, "bob", "s1")
	_ = readEvent(t, alice)

	guest := srv.dial(t, "")
	send(t, guest, map[string]any{"type": JoinSessionType, "sessionId": "s1", "userId": "alice"})
	expectSilence(t, guest)

	send(t, alice, map[string]any{"type": CursorMoveType, "sessionId": "s1", "position": map[string]int{"row": 1, "col": 1}})
	ev := readEvent(t, bob)
	assert.Equal(t, collab.EventCursorMove, ev.Type(), "alice's socket is still open")
	assert.Equal(t, "alice", ev.UserID)
}

func TestHubAnonymousRejectedWhenDisallowed(t *testing.T) {
	settings := collab.DefaultSettings()
	settings.AllowAnonymous = false
	srv := newTestServer(t, settings)

	guest := srv.dial(t, "")
	send(t, guest, map[string]any{"type": JoinSessionType, "sessionId": "s1", "userId": "guest"})
	expectSilence(t, guest)
	assert.Empty(t, srv.dispatcher.Store().ActiveUsers("s1"))
}

func TestHubDropsMalformedMessages(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())
	alice := srv.joined(t, "alice", "s1")
	bob := srv.joined(t, "bob", "s1")
	_ = readEvent(t, alice)

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, bob, map[string]any{"type": "teleport", "sessionId": "s1"})
	send(t, bob, map[string]any{"type": CursorMoveType, "sessionId": "s1", "position": map[string]int{"row": 1, "col": 1}})

	ev := readEvent(t, alice)
	assert.Equal(t, collab.EventCursorMove, ev.Type(), "the connection survives bad frames")
}

func TestHubDisconnectAnnounced(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())
	alice := srv.joined(t, "alice", "s1")
	bob := srv.joined(t, "bob", "s1")
	_ = readEvent(t, alice)

	require.NoError(t, bob.Close())

	ev := readEvent(t, alice)
	assert.Equal(t, collab.EventUserDisconnected, ev.Type())
	assert.Equal(t, "bob", ev.Data.(collab.UserDisconnected).UserID)
	expectSilence(t, alice)
}

func TestHubLeaveAnnounced(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())
	alice := srv.joined(t, "alice", "s1")
	bob := srv.joined(t, "bob", "s1")
	_ = readEvent(t, alice)

	send(t, bob, map[string]any{"type": LeaveSessionType, "sessionId": "s1"})
	ev := readEvent(t, alice)
	assert.Equal(t, collab.EventUserLeft, ev.Type())

	require.NoError(t, bob.Close())
	expectSilence(t, alice)
}

func TestHubDestroyEvictsConnections(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())
	alice := srv.joined(t, "alice", "s1")
	bob := srv.joined(t, "bob", "s1")
	_ = readEvent(t, alice)

	require.True(t, srv.dispatcher.DestroySession("s1"))

	for _, conn := range []*websocket.Conn{alice, bob} {
		ev := readEvent(t, conn)
		assert.Equal(t, collab.EventSessionDestroyed, ev.Type())

		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "socket is closed after the notice: %v", err)
	}
	assert.Empty(t, srv.dispatcher.Store().ActiveUsers("s1"))
	assert.Equal(t, 0, srv.hub.SessionCount())
}

func TestHubNewConnectionSupersedesOld(t *testing.T) {
	srv := newTestServer(t, collab.DefaultSettings())
	bob := srv.joined(t, "bob", "s1")
	first := srv.joined(t, "alice", "s1")
	_ = readEvent(t, bob)

	_ = srv.joined(t, "alice", "s1")
	rejoined := readEvent(t, bob)
	assert.Equal(t, collab.EventUserJoined, rejoined.Type())

	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "old socket is closed: %v", err)

	expectSilence(t, bob)
	member, ok := srv.dispatcher.Store().Member("s1", "alice")
	require.True(t, ok)
	assert.True(t, member.IsOnline)
}

func TestCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	open := checkOrigin(nil)
	assert.True(t, open(req("https://anywhere.example")))

	wildcard := checkOrigin([]string{"*"})
	assert.True(t, wildcard(req("https://anywhere.example")))

	strict := checkOrigin([]string{"https://grid.example/ "})
	assert.True(t, strict(req("https://grid.example")))
	assert.True(t, strict(req("")))
	assert.False(t, strict(req("https://evil.example")))
}
