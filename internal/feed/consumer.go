// Package feed consumes trading-engine events from NATS and hands them
// to the stream server's broadcast ingress.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/portfolio-ws/internal/stream"
)

// Engine subjects, one per portfolio channel. Every message carries a
// user_id envelope field addressing the target user.
const (
	SubjectPositions = "trading.positions"
	SubjectOrders    = "trading.orders"
	SubjectAccount   = "trading.account"
	SubjectTrades    = "trading.trades"
)

func subjects() []string {
	return []string{SubjectPositions, SubjectOrders, SubjectAccount, SubjectTrades}
}

// BroadcastFunc is the downstream ingress for decoded events.
type BroadcastFunc func(userID string, ev stream.Event)

// envelope is the engine's wire frame: routing in user_id, channel
// payload in data.
type envelope struct {
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

// Consumer subscribes to the engine subjects and forwards decoded
// events. Malformed messages are logged and dropped; the feed never
// pushes a bad frame downstream.
type Consumer struct {
	url       string
	logger    zerolog.Logger
	broadcast BroadcastFunc

	nc   *nats.Conn
	subs []*nats.Subscription
}

// NewConsumer creates a consumer for the given NATS URL. Connection
// happens in Start.
func NewConsumer(url string, broadcast BroadcastFunc, logger zerolog.Logger) *Consumer {
	return &Consumer{
		url:       url,
		logger:    logger.With().Str("component", "feed").Logger(),
		broadcast: broadcast,
	}
}

// Start connects and subscribes to all engine subjects. The connection
// reconnects forever; missed events during an outage are lost, which
// matches the at-most-once delivery the rest of the pipeline gives.
func (c *Consumer) Start() error {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			evt := c.logger.Error().Err(err)
			if sub != nil {
				evt = evt.Str("subject", sub.Subject)
			}
			evt.Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(c.url, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", c.url, err)
	}
	c.nc = nc

	for _, subject := range subjects() {
		subject := subject
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			c.handleMessage(subject, msg.Data)
		})
		if err != nil {
			nc.Close()
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	c.logger.Info().Str("url", c.url).Strs("subjects", subjects()).Msg("feed consumer started")
	return nil
}

func (c *Consumer) handleMessage(subject string, data []byte) {
	userID, ev, err := parseEngineEvent(subject, data)
	if err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("dropping malformed engine event")
		return
	}
	c.broadcast(userID, ev)
}

// parseEngineEvent decodes one engine message. The subject selects the
// event type; the envelope supplies the target user.
func parseEngineEvent(subject string, data []byte) (string, stream.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.UserID == "" {
		return "", nil, fmt.Errorf("envelope has no user_id")
	}

	var ev stream.Event
	switch subject {
	case SubjectPositions:
		var p stream.PositionUpdate
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return "", nil, fmt.Errorf("decode position update: %w", err)
		}
		ev = p
	case SubjectOrders:
		var o stream.OrderUpdate
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return "", nil, fmt.Errorf("decode order update: %w", err)
		}
		ev = o
	case SubjectAccount:
		var a stream.AccountUpdate
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return "", nil, fmt.Errorf("decode account update: %w", err)
		}
		ev = a
	case SubjectTrades:
		var t stream.TradeExecuted
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return "", nil, fmt.Errorf("decode trade: %w", err)
		}
		ev = t
	default:
		return "", nil, fmt.Errorf("unknown subject %q", subject)
	}

	return env.UserID, ev, nil
}

// Connected reports the health of the NATS link.
func (c *Consumer) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Stop unsubscribes and closes the connection. Called before the stream
// server shuts down so no event arrives after the final flush.
func (c *Consumer) Stop() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("unsubscribe failed")
		}
	}
	c.subs = nil

	if c.nc != nil {
		c.nc.Close()
	}
	c.logger.Info().Msg("feed consumer stopped")
}
