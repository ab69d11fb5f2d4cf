package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestHub_PushesBalanceToSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	hub := NewHub(func(*http.Request) bool { return true }, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRedisSubscriber(ctx, rdb, "balance_changed", hub)

	alice := dial(t, srv)
	bob := dial(t, srv)
	require.NoError(t, alice.WriteJSON(ClientMsg{Type: "subscribe", Username: "alice"}))
	require.NoError(t, bob.WriteJSON(ClientMsg{Type: "subscribe", Username: "bob"}))
	assert.Equal(t, "subscribed", readMsg(t, alice)["type"])
	assert.Equal(t, "subscribed", readMsg(t, bob)["type"])

	b, err := json.Marshal(events.BalanceChanged{Username: "alice", Balance: 900, Delta: -100, EventID: "e-1", TsUnixMs: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return mr.Publish("balance_changed", string(b)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	m := readMsg(t, alice)
	assert.Equal(t, "balance", m["type"])
	assert.Equal(t, float64(900), m["balance"])
	assert.Equal(t, float64(-100), m["delta"])

	// bob não recebe o saldo da alice; o próximo frame dele é o pong
	require.NoError(t, bob.WriteJSON(ClientMsg{Type: "ping"}))
	assert.Equal(t, "pong", readMsg(t, bob)["type"])
}

func TestHub_UnsubscribeAndDisconnect(t *testing.T) {
	hub := NewHub(func(*http.Request) bool { return true }, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(ClientMsg{Type: "subscribe", Username: "alice"}))
	readMsg(t, conn)
	assert.Equal(t, 1, hub.Subscribers("alice"))

	require.NoError(t, conn.WriteJSON(ClientMsg{Type: "unsubscribe", Username: "alice"}))
	require.NoError(t, conn.WriteJSON(ClientMsg{Type: "ping"}))
	readMsg(t, conn)
	assert.Zero(t, hub.Subscribers("alice"))

	require.NoError(t, conn.WriteJSON(ClientMsg{Type: "subscribe", Username: "alice"}))
	readMsg(t, conn)
	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}
