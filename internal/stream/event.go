// Package stream implements the real-time portfolio event distribution
// service: connection admission, per-connection channel subscriptions,
// windowed batching of domain events, heartbeat supervision, and
// per-user fan-out.
package stream

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Channel is one of the four topics a connection can subscribe to.
type Channel string

const (
	ChannelPositions Channel = "positions"
	ChannelOrders    Channel = "orders"
	ChannelAccount   Channel = "account"
	ChannelTrades    Channel = "trades"
)

// Channels returns the four available channels in their canonical order.
func Channels() []Channel {
	return []Channel{ChannelPositions, ChannelOrders, ChannelAccount, ChannelTrades}
}

// ParseChannel validates a client-supplied channel name.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelPositions, ChannelOrders, ChannelAccount, ChannelTrades:
		return Channel(s), true
	}
	return "", false
}

// Event is any payload routed through BroadcastEvent. The concrete
// types form a closed union: four batchable domain events plus the
// control events that bypass batching.
type Event interface {
	isEvent()
}

// PositionUpdate is the current state of one position. Within a batch
// window only the latest update per symbol survives.
type PositionUpdate struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     int64           `json:"updated_at"`
}

// OrderUpdate is the current state of one order. Within a batch window
// only the latest update per order id survives.
type OrderUpdate struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Status    string          `json:"status"`
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt int64           `json:"updated_at"`
}

// AccountUpdate is a snapshot of account-level balances. At most one
// survives per batch window.
type AccountUpdate struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	MarginUsed  decimal.Decimal `json:"margin_used"`
	UpdatedAt   int64           `json:"updated_at"`
}

// TradeExecuted records one fill. Every execution is a distinct fact:
// trades are accumulated in arrival order and never deduplicated.
type TradeExecuted struct {
	TradeID    string          `json:"trade_id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt int64           `json:"executed_at"`
}

// Pong answers a client application-level ping. Control event: skips
// batching and subscription gating.
type Pong struct {
	Timestamp int64 `json:"ts"`
}

// Notice carries an error or informational message to all of a user's
// connections. Control event: skips batching and subscription gating.
type Notice struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

func (PositionUpdate) isEvent() {}
func (OrderUpdate) isEvent()    {}
func (AccountUpdate) isEvent()  {}
func (TradeExecuted) isEvent()  {}
func (Pong) isEvent()           {}
func (Notice) isEvent()         {}

// DomainChannel maps a domain event to its channel. Control events have
// no channel and report false.
func DomainChannel(ev Event) (Channel, bool) {
	switch ev.(type) {
	case PositionUpdate:
		return ChannelPositions, true
	case OrderUpdate:
		return ChannelOrders, true
	case AccountUpdate:
		return ChannelAccount, true
	case TradeExecuted:
		return ChannelTrades, true
	}
	return "", false
}

// Error codes reported to clients.
const (
	CodeAuthRequired      = "AUTH_REQUIRED"
	CodeUserLimitExceeded = "USER_LIMIT_EXCEEDED"
	CodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
)

// clientMessage is the inbound client control frame.
type clientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Outbound envelopes. Each carries a discriminating "type" matching the
// documented wire contract: connected, subscribed, unsubscribed, pong,
// error, batch.

type welcomeMessage struct {
	Type         string   `json:"type"` // "connected"
	ConnectionID int64    `json:"connection_id"`
	Channels     []string `json:"channels"`
}

type subscriptionMessage struct {
	Type     string   `json:"type"`     // "subscribed" or "unsubscribed"
	Channels []string `json:"channels"` // channels named in the request
	Active   []string `json:"active"`   // resulting subscription set
}

type pongMessage struct {
	Type      string `json:"type"` // "pong"
	Timestamp int64  `json:"ts"`
}

type errorMessage struct {
	Type    string          `json:"type"` // "error"
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

type batchMessage struct {
	Type string        `json:"type"` // "batch"
	Data *BatchPayload `json:"data"`
}

func channelNames(channels []Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	return names
}
