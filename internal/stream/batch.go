package stream

import (
	"sort"
	"sync"
)

// BatchPayload is the flush output for one user and one window. Keys
// whose underlying container is empty are omitted from the wire form.
type BatchPayload struct {
	Positions []PositionUpdate `json:"positions,omitempty"`
	Orders    []OrderUpdate    `json:"orders,omitempty"`
	Account   *AccountUpdate   `json:"account,omitempty"`
	Trades    []TradeExecuted  `json:"trades,omitempty"`
}

// IsEmpty reports whether the payload carries no data at all.
func (p *BatchPayload) IsEmpty() bool {
	return len(p.Positions) == 0 && len(p.Orders) == 0 && p.Account == nil && len(p.Trades) == 0
}

// filter returns a copy restricted to the channels in subs, or nil when
// nothing remains. Filtering happens server-side: a connection never
// observes data for a channel it is not subscribed to, even inside a
// combined batch.
func (p *BatchPayload) filter(subs *SubscriptionSet) *BatchPayload {
	out := &BatchPayload{}
	if subs.Has(ChannelPositions) {
		out.Positions = p.Positions
	}
	if subs.Has(ChannelOrders) {
		out.Orders = p.Orders
	}
	if subs.Has(ChannelAccount) {
		out.Account = p.Account
	}
	if subs.Has(ChannelTrades) {
		out.Trades = p.Trades
	}
	if out.IsEmpty() {
		return nil
	}
	return out
}

// userBuffer accumulates one user's domain events for the current batch
// window. Position, order and account state is last-write-wins per key;
// trades are append-only.
type userBuffer struct {
	positions map[string]PositionUpdate // keyed by symbol
	orders    map[string]OrderUpdate    // keyed by order id
	account   *AccountUpdate
	trades    []TradeExecuted
}

func newUserBuffer() *userBuffer {
	return &userBuffer{
		positions: make(map[string]PositionUpdate),
		orders:    make(map[string]OrderUpdate),
	}
}

// apply folds one event into the buffer. It is the reducer for the
// whole batching semantics and runs without any timer or socket in the
// loop. Returns false for non-batchable (control) events.
func (b *userBuffer) apply(ev Event) bool {
	switch e := ev.(type) {
	case PositionUpdate:
		b.positions[e.Symbol] = e
	case OrderUpdate:
		b.orders[e.OrderID] = e
	case AccountUpdate:
		acct := e
		b.account = &acct
	case TradeExecuted:
		b.trades = append(b.trades, e)
	default:
		return false
	}
	return true
}

func (b *userBuffer) empty() bool {
	return len(b.positions) == 0 && len(b.orders) == 0 && b.account == nil && len(b.trades) == 0
}

// drain builds the flush payload and resets the buffer so events
// arriving during delivery start a fresh window. Map-backed slices are
// sorted by key for deterministic output; trades keep arrival order.
func (b *userBuffer) drain() *BatchPayload {
	payload := &BatchPayload{
		Account: b.account,
		Trades:  b.trades,
	}

	if len(b.positions) > 0 {
		payload.Positions = make([]PositionUpdate, 0, len(b.positions))
		for _, p := range b.positions {
			payload.Positions = append(payload.Positions, p)
		}
		sort.Slice(payload.Positions, func(i, j int) bool {
			return payload.Positions[i].Symbol < payload.Positions[j].Symbol
		})
	}
	if len(b.orders) > 0 {
		payload.Orders = make([]OrderUpdate, 0, len(b.orders))
		for _, o := range b.orders {
			payload.Orders = append(payload.Orders, o)
		}
		sort.Slice(payload.Orders, func(i, j int) bool {
			return payload.Orders[i].OrderID < payload.Orders[j].OrderID
		})
	}

	b.positions = make(map[string]PositionUpdate)
	b.orders = make(map[string]OrderUpdate)
	b.account = nil
	b.trades = nil

	return payload
}

// Aggregator owns the per-user batch buffers. Exactly one live buffer
// exists per user with at least one open connection; it is created at
// admission, cleared on every flush, and destroyed when the user's last
// connection closes.
type Aggregator struct {
	mu      sync.Mutex
	buffers map[string]*userBuffer
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{buffers: make(map[string]*userBuffer)}
}

// EnsureBuffer creates the user's buffer if absent. Idempotent.
func (a *Aggregator) EnsureBuffer(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.buffers[userID]; !ok {
		a.buffers[userID] = newUserBuffer()
	}
}

// DropBuffer discards the user's buffer, including anything accumulated
// but not yet flushed. Accepted at-most-once loss on last disconnect.
func (a *Aggregator) DropBuffer(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, userID)
}

// Accumulate folds a domain event into the user's buffer. Returns false
// when the user has no buffer (no open connection) or the event is not
// batchable; either way the event is dropped without error.
func (a *Aggregator) Accumulate(userID string, ev Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[userID]
	if !ok {
		return false
	}
	return buf.apply(ev)
}

// DrainAll snapshots and clears every non-empty buffer, returning one
// payload per user. Clearing happens under the lock, before any
// delivery, so the next window opens immediately.
func (a *Aggregator) DrainAll() map[string]*BatchPayload {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out map[string]*BatchPayload
	for userID, buf := range a.buffers {
		if buf.empty() {
			continue
		}
		if out == nil {
			out = make(map[string]*BatchPayload)
		}
		out[userID] = buf.drain()
	}
	return out
}

// Users returns the number of live buffers.
func (a *Aggregator) Users() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
