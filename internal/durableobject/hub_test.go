package durableobject

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flowstream/eventcore/internal/db"
	"github.com/flowstream/eventcore/internal/token"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	client, err := db.NewClient(&db.Config{Path: ":memory:?cache=shared", MaxConnections: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return New(Config{
		Store:  client,
		Tokens: token.NewManager([]byte("k"), "test", time.Minute),
		Logger: zaptest.NewLogger(t),
	})
}

func dialSocket(t *testing.T, hub *Hub, channel string, claims *token.Claims, afterSeq int64) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		err = hub.Accept(context.Background(), conn, channel, claims, afterSeq)
		require.NoError(t, err)
		<-r.Context().Done()
	}))

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return clientConn, func() {
		_ = clientConn.Close()
		server.Close()
	}
}

func TestHub_PublishDeliversToAttachedSocket(t *testing.T) {
	hub := newTestHub(t)
	claims := &token.Claims{Channel: "room-1"}
	conn, cleanup := dialSocket(t, hub, "room-1", claims, 0)
	defer cleanup()

	time.Sleep(50 * time.Millisecond) // let Accept register the attachment

	_, err := hub.Publish(context.Background(), "room-1", []byte(`{"n":1}`), nil)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"n":1`)
}

func TestHub_PublishClosesSocketWithExpiredToken(t *testing.T) {
	hub := newTestHub(t)
	expired := time.Now().Add(-time.Minute)
	claims := &token.Claims{Channel: "room-1"}
	claims.ExpiresAt = jwt.NewNumericDate(expired)

	conn, cleanup := dialSocket(t, hub, "room-1", claims, 0)
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	_, err := hub.Publish(context.Background(), "room-1", []byte(`{"n":1}`), nil)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, CloseTokenExpired, closeErr.Code)
}

func TestHub_PublishClosesSocketRevokedByHook(t *testing.T) {
	client, err := db.NewClient(&db.Config{Path: ":memory:?cache=shared", MaxConnections: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	hub := New(Config{
		Store:          client,
		Tokens:         token.NewManager([]byte("k"), "test", time.Minute),
		RevocationHook: func(c *token.Claims) bool { return false },
		Logger:         zaptest.NewLogger(t),
	})

	claims := &token.Claims{Channel: "room-1"}
	conn, cleanup := dialSocket(t, hub, "room-1", claims, 0)
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	_, err = hub.Publish(context.Background(), "room-1", []byte(`{"n":1}`), nil)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, CloseTokenRevoked, closeErr.Code)
}
