package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/domain"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads messages until one of the wanted type arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg Outbound
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	h := runHub(t, Options{QueueSize: 10, HeartbeatInterval: time.Hour})
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(Inbound{Type: TypeSubscribe, Zones: []string{"ZONE_A"}, PriceType: "spot"}))
	ack := next(t, conn, TypeSubscribed)
	assert.Equal(t, []string{"ZONE_A"}, ack.Zones)
	assert.Equal(t, "spot", ack.PriceType)

	h.Publish(price("ZONE_B", domain.PriceTypeSpot, 1))
	h.Publish(price("ZONE_A", domain.PriceTypeDayAhead, 2))
	h.Publish(price("ZONE_A", domain.PriceTypeSpot, 3))

	msg := next(t, conn, TypePrice)
	require.NotNil(t, msg.Record)
	assert.Equal(t, "3", msg.Record.Price.String())
	assert.Equal(t, "ZONE_A", msg.Record.MarketZone)
}

func TestWebSocketRejectsBadRequests(t *testing.T) {
	h := runHub(t, Options{HeartbeatInterval: time.Hour})
	conn := dial(t, h)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "invalid json", next(t, conn, TypeError).Message)

	require.NoError(t, conn.WriteJSON(Inbound{Type: TypeSubscribe}))
	assert.Contains(t, next(t, conn, TypeError).Message, "at least one zone")

	require.NoError(t, conn.WriteJSON(Inbound{Type: TypeSubscribe, Zones: []string{"ZONE_A"}, PriceType: "futures"}))
	assert.Contains(t, next(t, conn, TypeError).Message, "futures")

	require.NoError(t, conn.WriteJSON(Inbound{Type: "unsubscribe"}))
	assert.Contains(t, next(t, conn, TypeError).Message, "unsupported")
}

func TestWebSocketHeartbeatReportsDrops(t *testing.T) {
	h := runHub(t, Options{QueueSize: 1, HeartbeatInterval: 20 * time.Millisecond, LivenessTimeout: time.Second})
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(Inbound{Type: TypeSubscribe, Zones: []string{"ZONE_A"}}))
	next(t, conn, TypeSubscribed)

	hb := next(t, conn, TypeHeartbeat)
	require.NotNil(t, hb.Time)
	require.NotNil(t, hb.Dropped)
	assert.Zero(t, *hb.Dropped)
}

func TestWebSocketLivenessTimeoutDiscardsSubscription(t *testing.T) {
	h := runHub(t, Options{HeartbeatInterval: 10 * time.Millisecond, LivenessTimeout: 50 * time.Millisecond})
	dial(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, time.Millisecond)

	// the client never reads, so pings go unanswered
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	h := runHub(t, Options{HeartbeatInterval: time.Hour})
	conn := dial(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(Options{AllowedOrigins: []string{"https://dash.example"}}, zerolog.Nop())
	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, h.checkOrigin(r))
	r.Header.Set("Origin", "https://dash.example")
	assert.True(t, h.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(r))
}
