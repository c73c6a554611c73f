package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/realtime/internal/config"
	"github.com/pulseboard/realtime/internal/coordination"
	"github.com/pulseboard/realtime/internal/events"
	"github.com/pulseboard/realtime/internal/pool"
	"github.com/pulseboard/realtime/internal/room"
)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:             "test",
		Port:               "0",
		InstanceID:         "test-instance",
		MaxConnections:     100,
		MaxPerUser:         5,
		MaxPerOrganization: 50,
		ShardCount:         2,
		ConnectRatePerSec:  1000,
		ConnectBurst:       1000,
		RoomTTL:            10 * time.Minute,
	}
}

// newTestServer wires a server against an in-memory pool and room manager.
// No Redis: broadcasts fall back to local delivery, which is exactly the
// single-instance path.
func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *pool.Pool, *room.Manager) {
	t.Helper()
	clock := clockwork.NewRealClock()
	bus := events.NewBus()

	connPool := pool.New(pool.Options{
		MaxConnections:      cfg.MaxConnections,
		MaxPerUser:          cfg.MaxPerUser,
		MaxPerOrganization:  cfg.MaxPerOrganization,
		ShardCount:          cfg.ShardCount,
		HealthCheckInterval: time.Hour,
		MetricsInterval:     time.Hour,
	}, bus, nil, clock)
	rooms := room.NewManager(cfg.RoomTTL, bus, nil, nil, connPool, clock)

	registry := coordination.NewInstanceRegistry(nil, cfg.InstanceID, time.Minute, "test")
	srv := NewServer(cfg, connPool, rooms, registry, nil, clock)

	ts := httptest.NewServer(srv.echo)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		connPool.Shutdown(ctx)
	})
	return ts, connPool, rooms
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func identityHeader(userID, orgID, role string) http.Header {
	h := http.Header{}
	h.Set("X-User-ID", userID)
	h.Set("X-Organization-ID", orgID)
	h.Set("X-User-Role", role)
	return h
}

func dialWS(t *testing.T, ts *httptest.Server, userID, orgID, role string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), identityHeader(userID, orgID, role))
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.Unmarshal(data, &reply))
	return reply
}

func TestWebSocket_RequiresIdentityHeaders(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)
}

func TestWebSocket_ConnectJoinsOrganizationRoom(t *testing.T) {
	ts, connPool, rooms := newTestServer(t, testConfig())

	conn := dialWS(t, ts, "u1", "acme", "member")
	defer conn.Close()

	require.Eventually(t, func() bool {
		return connPool.Stats().ActiveConnections == 1
	}, time.Second, 10*time.Millisecond)

	info, ok := rooms.Get("org:acme")
	require.True(t, ok)
	assert.Equal(t, 1, info.ConnectionCount)
}

func TestWebSocket_JoinAndPublish(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig())

	conn := dialWS(t, ts, "u1", "acme", "member")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "join", "room": "dashboard:acme:main"}))
	reply := readReply(t, conn)
	assert.Equal(t, "joined", reply["type"])
	assert.Equal(t, "dashboard:acme:main", reply["room"])

	// Without a shared broker the publish is delivered locally, so the
	// publisher gets its own message back.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "publish",
		"room":   "dashboard:acme:main",
		"data":   map[string]any{"widget": "cpu", "value": 42},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "cpu", payload["widget"])
}

func TestWebSocket_PrivateRoomDenied(t *testing.T) {
	ts, _, rooms := newTestServer(t, testConfig())
	rooms.CollaborativeRoom("acme", "sess-1")

	conn := dialWS(t, ts, "u1", "acme", "member")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "join", "room": "collab:acme:sess-1"}))
	reply := readReply(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "permission_denied", reply["error"])
}

func TestWebSocket_InvalidRoomAndUnknownAction(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig())

	conn := dialWS(t, ts, "u1", "acme", "member")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "join", "room": "bogus:nope"}))
	reply := readReply(t, conn)
	assert.Equal(t, "invalid_room", reply["error"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "dance"}))
	reply = readReply(t, conn)
	assert.Equal(t, "unknown action", reply["error"])
}

func TestWebSocket_UserLimitClosesWithTryAgainLater(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerUser = 1
	ts, _, _ := newTestServer(t, cfg)

	first := dialWS(t, ts, "u1", "acme", "member")
	defer first.Close()

	second, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), identityHeader("u1", "acme", "member"))
	require.NoError(t, err, "the upgrade itself succeeds; rejection arrives as a close frame")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestWebSocket_DisconnectCleansUp(t *testing.T) {
	ts, connPool, rooms := newTestServer(t, testConfig())

	conn := dialWS(t, ts, "u1", "acme", "member")
	require.Eventually(t, func() bool {
		return connPool.Stats().ActiveConnections == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		if connPool.Stats().ActiveConnections != 0 {
			return false
		}
		info, ok := rooms.Get("org:acme")
		return ok && info.ConnectionCount == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ConnectRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectRatePerSec = 0.001
	cfg.ConnectBurst = 1
	ts, _, _ := newTestServer(t, cfg)

	first := dialWS(t, ts, "u1", "acme", "member")
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), identityHeader("u2", "acme", "member"))
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 429, resp.StatusCode)
}
