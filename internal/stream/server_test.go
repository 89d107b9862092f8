package stream

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/portfolio-ws/internal/types"
)

// staticResolver accepts any credential it was seeded with.
type staticResolver map[string]string

func (r staticResolver) ResolveSession(credential string) (string, error) {
	if userID, ok := r[credential]; ok {
		return userID, nil
	}
	return "", errors.New("unknown credential")
}

func testConfig() *types.ServerConfig {
	return &types.ServerConfig{
		Addr:                  ":0",
		MaxConnections:        100,
		MaxConnectionsPerUser: 5,
		FlushInterval:         time.Second,
		HeartbeatInterval:     15 * time.Second,
		HeartbeatTimeout:      30 * time.Second,
		SendBufferSize:        16,
		MessageRatePerSec:     100,
		MessageRateBurst:      100,
		MetricsInterval:       15 * time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(testConfig(), staticResolver{"good": "u1"}, zerolog.Nop())
}

// admit registers a socketless connection the way HandleWS would.
func admit(t *testing.T, s *Server, userID string) *Conn {
	t.Helper()
	conn, _, err := s.registry.Admit(userID, nil, s.cfg.SendBufferSize)
	require.NoError(t, err)
	atomic.AddInt64(&s.stats.TotalConnections, 1)
	atomic.AddInt64(&s.stats.CurrentConnections, 1)
	return conn
}

func readFrame(t *testing.T, conn *Conn) map[string]json.RawMessage {
	t.Helper()
	select {
	case data := <-conn.send:
		var frame map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

func readBatch(t *testing.T, conn *Conn) *BatchPayload {
	t.Helper()
	frame := readFrame(t, conn)

	var msgType string
	require.NoError(t, json.Unmarshal(frame["type"], &msgType))
	require.Equal(t, "batch", msgType)

	payload := &BatchPayload{}
	require.NoError(t, json.Unmarshal(frame["data"], payload))
	return payload
}

func assertNoFrame(t *testing.T, conn *Conn) {
	t.Helper()
	select {
	case data := <-conn.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

func TestFlushDeliversPerConnectionFilteredBatch(t *testing.T) {
	s := newTestServer(t)

	connA := admit(t, s, "u1")
	connA.subs.Add([]Channel{ChannelPositions})
	connB := admit(t, s, "u1")
	connB.subs.Add([]Channel{ChannelTrades})

	s.BroadcastEvent("u1", position("BTC-USD", 1, 1))
	s.BroadcastEvent("u1", trade("t-1", 1))

	s.flushOnce()

	// Each connection sees only its channels from the shared window.
	batchA := readBatch(t, connA)
	assert.Len(t, batchA.Positions, 1)
	assert.Empty(t, batchA.Trades)

	batchB := readBatch(t, connB)
	assert.Empty(t, batchB.Positions)
	assert.Len(t, batchB.Trades, 1)
}

func TestFlushSkipsUnsubscribedConnection(t *testing.T) {
	s := newTestServer(t)
	conn := admit(t, s, "u1")

	s.BroadcastEvent("u1", position("BTC-USD", 1, 1))
	s.BroadcastEvent("u1", order("o-1", "open", 1))
	s.flushOnce()

	// Empty subscription set: no batch frame at all.
	assertNoFrame(t, conn)
}

func TestUnsubscribeAllStopsDelivery(t *testing.T) {
	s := newTestServer(t)
	conn := admit(t, s, "u1")
	conn.subs.Add([]Channel{ChannelPositions, ChannelOrders})

	conn.subs.Remove([]Channel{ChannelPositions, ChannelOrders})

	s.BroadcastEvent("u1", position("BTC-USD", 1, 1))
	s.flushOnce()
	assertNoFrame(t, conn)
}

func TestControlEventBypassesBatchingAndSubscriptions(t *testing.T) {
	s := newTestServer(t)
	connA := admit(t, s, "u1")
	connB := admit(t, s, "u1")
	connB.subs.Add([]Channel{ChannelTrades})

	s.BroadcastEvent("u1", Notice{Code: "MARGIN_CALL", Message: "margin requirement breached"})

	// Queued immediately, no flush needed, all connections included.
	for _, conn := range []*Conn{connA, connB} {
		frame := readFrame(t, conn)
		var msgType, code string
		require.NoError(t, json.Unmarshal(frame["type"], &msgType))
		require.NoError(t, json.Unmarshal(frame["code"], &code))
		assert.Equal(t, "error", msgType)
		assert.Equal(t, "MARGIN_CALL", code)
	}
}

func TestBroadcastToUnknownUserIsDiscarded(t *testing.T) {
	s := newTestServer(t)

	s.BroadcastEvent("ghost", position("BTC-USD", 1, 1))
	s.BroadcastEvent("ghost", Notice{Code: "X", Message: "y"})

	assert.Equal(t, int64(1), atomic.LoadInt64(&s.stats.EventsDiscarded))
	assert.Equal(t, int64(0), atomic.LoadInt64(&s.stats.EventsIngested))
	s.flushOnce()
}

func TestBufferLifecycleFollowsLastConnection(t *testing.T) {
	s := newTestServer(t)
	connA := admit(t, s, "u1")
	connB := admit(t, s, "u1")

	require.True(t, s.agg.Accumulate("u1", position("BTC-USD", 1, 1)))

	// One connection left: buffer survives.
	s.closeConn(connA, ws.StatusNormalClosure, "", "client_close")
	assert.True(t, s.agg.Accumulate("u1", position("BTC-USD", 2, 2)))

	// Last connection gone: buffer and its contents go with it.
	s.closeConn(connB, ws.StatusNormalClosure, "", "client_close")
	assert.False(t, s.agg.Accumulate("u1", position("BTC-USD", 3, 3)))
	assert.Empty(t, s.agg.DrainAll())
}

func TestReconnectAfterLastCloseKeepsDelivery(t *testing.T) {
	s := newTestServer(t)
	old := admit(t, s, "u1")
	s.closeConn(old, ws.StatusNormalClosure, "", "client_close")

	// A fresh connection after the user's last close gets a working
	// buffer again; its events must reach it on the next flush.
	conn := admit(t, s, "u1")
	conn.subs.Add([]Channel{ChannelPositions})

	s.BroadcastEvent("u1", position("BTC-USD", 1, 1))
	s.flushOnce()

	batch := readBatch(t, conn)
	require.Len(t, batch.Positions, 1)
	assert.Equal(t, int64(0), atomic.LoadInt64(&s.stats.EventsDiscarded))
}

func TestRunTickAbsorbsPanic(t *testing.T) {
	s := newTestServer(t)

	require.NotPanics(t, func() {
		s.runTick("flush-loop", func() { panic("boom") })
	})

	// The loop is still able to run the next tick.
	ran := false
	s.runTick("flush-loop", func() { ran = true })
	assert.True(t, ran)
}

func TestCloseConnIdempotentAccounting(t *testing.T) {
	s := newTestServer(t)
	conn := admit(t, s, "u1")

	s.closeConn(conn, ws.StatusNormalClosure, "", "client_close")
	s.closeConn(conn, ws.StatusGoingAway, "", "shutdown")

	assert.Equal(t, int64(0), atomic.LoadInt64(&s.stats.CurrentConnections))
	s.stats.DisconnectsMu.RLock()
	defer s.stats.DisconnectsMu.RUnlock()
	assert.Equal(t, int64(1), s.stats.DisconnectsByReason["client_close"])
	assert.Equal(t, int64(0), s.stats.DisconnectsByReason["shutdown"])
}

func TestShutdownFlushesThenClosesEverything(t *testing.T) {
	s := newTestServer(t)
	s.Start()

	conn := admit(t, s, "u1")
	conn.subs.Add([]Channel{ChannelPositions})
	s.BroadcastEvent("u1", position("BTC-USD", 7, 1))

	s.Shutdown()

	// The pending window went out before the close.
	batch := readBatch(t, conn)
	require.Len(t, batch.Positions, 1)
	assert.Equal(t, "BTC-USD", batch.Positions[0].Symbol)

	select {
	case <-conn.done:
	default:
		t.Fatal("connection not closed by shutdown")
	}
	assert.Equal(t, 0, s.registry.Len())
	assert.True(t, s.ShuttingDown())

	// Second shutdown is a no-op.
	s.Shutdown()
}

func TestDroppedSendIsCounted(t *testing.T) {
	cfg := testConfig()
	cfg.SendBufferSize = 1
	s := New(cfg, staticResolver{}, zerolog.Nop())

	conn := admit(t, s, "u1")
	conn.subs.Add([]Channel{ChannelTrades})

	require.True(t, s.sendTo(conn, []byte("one")))
	require.False(t, s.sendTo(conn, []byte("two")))
	assert.Equal(t, int64(1), atomic.LoadInt64(&s.stats.DroppedSends))
}
