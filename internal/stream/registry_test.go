package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAdmitAndEvict(t *testing.T) {
	r := NewRegistry(10, 3, NewAggregator())

	c1, first, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)
	assert.True(t, first)

	c2, first2, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)
	assert.False(t, first2)
	assert.NotEqual(t, c1.ID(), c2.ID())

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, r.UserCount())

	removed, last := r.Evict(c1)
	assert.True(t, removed)
	assert.False(t, last)

	removed, last = r.Evict(c2)
	assert.True(t, removed)
	assert.True(t, last)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryPerUserLimit(t *testing.T) {
	r := NewRegistry(100, 2, NewAggregator())

	_, _, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)
	_, _, err = r.Admit("u1", nil, 8)
	require.NoError(t, err)

	_, _, err = r.Admit("u1", nil, 8)
	require.Error(t, err)
	aerr := err.(*AdmissionError)
	assert.Equal(t, RejectUserLimit, aerr.Reason)
	assert.Equal(t, CodeUserLimitExceeded, aerr.Code)

	// Another user is unaffected.
	_, _, err = r.Admit("u2", nil, 8)
	assert.NoError(t, err)
}

func TestRegistryGlobalLimit(t *testing.T) {
	r := NewRegistry(3, 5, NewAggregator())

	for i := 0; i < 3; i++ {
		_, _, err := r.Admit(fmt.Sprintf("u%d", i), nil, 8)
		require.NoError(t, err)
	}

	_, _, err := r.Admit("u9", nil, 8)
	require.Error(t, err)
	aerr := err.(*AdmissionError)
	assert.Equal(t, RejectCapacity, aerr.Reason)
	assert.Equal(t, CodeCapacityExceeded, aerr.Code)

	// Eviction frees a slot for the next attempt.
	victim := r.Snapshot()[0]
	r.Evict(victim)
	_, _, err = r.Admit("u9", nil, 8)
	assert.NoError(t, err)
}

func TestRegistryPerUserCheckedBeforeGlobal(t *testing.T) {
	r := NewRegistry(1, 1, NewAggregator())
	_, _, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)

	// u1 violates both limits; the per-user reason wins.
	_, _, err = r.Admit("u1", nil, 8)
	require.Error(t, err)
	assert.Equal(t, RejectUserLimit, err.(*AdmissionError).Reason)
}

func TestRegistryEvictIdempotent(t *testing.T) {
	r := NewRegistry(10, 3, NewAggregator())
	c, _, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)

	removed, last := r.Evict(c)
	assert.True(t, removed)
	assert.True(t, last)

	removed, last = r.Evict(c)
	assert.False(t, removed)
	assert.False(t, last)
}

func TestRegistryManagesBufferLifecycle(t *testing.T) {
	agg := NewAggregator()
	r := NewRegistry(10, 3, agg)

	// No buffer before the first admit.
	assert.False(t, agg.Accumulate("u1", position("BTC-USD", 1, 1)))

	c1, _, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)
	assert.True(t, agg.Accumulate("u1", position("BTC-USD", 1, 1)))

	c2, _, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)

	// Buffer survives while any connection remains.
	r.Evict(c1)
	assert.True(t, agg.Accumulate("u1", position("BTC-USD", 2, 2)))

	r.Evict(c2)
	assert.False(t, agg.Accumulate("u1", position("BTC-USD", 3, 3)))
	assert.Empty(t, agg.DrainAll())
}

func TestRegistryReconnectAfterEvictKeepsBuffer(t *testing.T) {
	agg := NewAggregator()
	r := NewRegistry(10, 3, agg)

	c1, _, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)
	r.Evict(c1)

	// A reconnect after the last eviction gets a fresh buffer; events
	// for the new connection must not be discarded.
	_, first, err := r.Admit("u1", nil, 8)
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, agg.Accumulate("u1", position("BTC-USD", 1, 1)))
}

func TestRegistryConnectionsFor(t *testing.T) {
	r := NewRegistry(10, 5, NewAggregator())
	c1, _, _ := r.Admit("u1", nil, 8)
	c2, _, _ := r.Admit("u1", nil, 8)
	r.Admit("u2", nil, 8)

	conns := r.ConnectionsFor("u1")
	require.Len(t, conns, 2)
	ids := []int64{conns[0].ID(), conns[1].ID()}
	assert.ElementsMatch(t, []int64{c1.ID(), c2.ID()}, ids)

	assert.Nil(t, r.ConnectionsFor("ghost"))
}
