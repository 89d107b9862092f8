package stream

import (
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionSetIdempotent(t *testing.T) {
	s := NewSubscriptionSet()
	assert.Equal(t, 0, s.Count())

	s.Add([]Channel{ChannelOrders, ChannelPositions})
	s.Add([]Channel{ChannelOrders})
	assert.Equal(t, 2, s.Count())
	assert.True(t, s.Has(ChannelOrders))

	s.Remove([]Channel{ChannelOrders})
	s.Remove([]Channel{ChannelOrders})
	assert.Equal(t, 1, s.Count())
	assert.False(t, s.Has(ChannelOrders))

	// Removing something never subscribed is a no-op.
	s.Remove([]Channel{ChannelTrades})
	assert.Equal(t, 1, s.Count())
}

func TestSubscriptionSetListCanonicalOrder(t *testing.T) {
	s := NewSubscriptionSet()
	s.Add([]Channel{ChannelTrades, ChannelPositions, ChannelAccount})

	require.Equal(t, []Channel{ChannelPositions, ChannelAccount, ChannelTrades}, s.List())
}

func TestConnTrySendNonBlocking(t *testing.T) {
	c := newConn(1, "u1", nil, 2)

	assert.True(t, c.trySend([]byte("a")))
	assert.True(t, c.trySend([]byte("b")))
	// Buffer full: dropped, not blocked.
	assert.False(t, c.trySend([]byte("c")))

	assert.Equal(t, []byte("a"), <-c.send)
	assert.True(t, c.trySend([]byte("d")))
}

func TestConnTrySendAfterClose(t *testing.T) {
	c := newConn(1, "u1", nil, 4)
	c.close(ws.StatusNormalClosure, "")
	assert.False(t, c.trySend([]byte("x")))
}

func TestConnCloseIdempotent(t *testing.T) {
	c := newConn(1, "u1", nil, 4)
	c.close(ws.StatusNormalClosure, "")
	// Second close must not panic on the done channel, and must not
	// overwrite the first close's status.
	c.close(ws.StatusGoingAway, "bye")

	select {
	case <-c.done:
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, ws.StatusNormalClosure, c.closeStatus)
	assert.Equal(t, "", c.closeMsg)
}

func TestConnLiveness(t *testing.T) {
	c := newConn(1, "u1", nil, 4)
	before := c.lastLiveness()

	time.Sleep(5 * time.Millisecond)
	c.touchLiveness()
	assert.True(t, c.lastLiveness().After(before))
}

func TestConnRequestPingCoalesces(t *testing.T) {
	c := newConn(1, "u1", nil, 4)
	c.requestPing()
	c.requestPing()
	c.requestPing()

	<-c.ping
	select {
	case <-c.ping:
		t.Fatal("expected a single coalesced ping request")
	default:
	}
}

func TestParseChannel(t *testing.T) {
	for _, name := range []string{"positions", "orders", "account", "trades"} {
		ch, ok := ParseChannel(name)
		require.True(t, ok)
		assert.Equal(t, name, string(ch))
	}

	_, ok := ParseChannel("prices")
	assert.False(t, ok)
	_, ok = ParseChannel("")
	assert.False(t, ok)
}
