package stream

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/adred-codev/portfolio-ws/internal/monitoring"
)

// handleClientMessage dispatches one inbound text frame. Malformed
// frames earn an error reply, never a disconnect; the heartbeat
// supervisor is the only thing that evicts a live client.
func (s *Server) handleClientMessage(conn *Conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.invalidMessage(conn, "malformed JSON")
		return
	}

	switch msg.Type {
	case "subscribe":
		s.handleSubscribe(conn, msg.Channels, true)
	case "unsubscribe":
		s.handleSubscribe(conn, msg.Channels, false)
	case "ping":
		// Application-level ping: answered immediately, deliberately not
		// counted as liveness.
		s.sendPong(conn)
	default:
		s.invalidMessage(conn, "unknown message type")
	}
}

// handleSubscribe applies a subscribe or unsubscribe request. Both
// operations are idempotent and both are confirmed with the resulting
// active set.
func (s *Server) handleSubscribe(conn *Conn, names []string, add bool) {
	if len(names) == 0 {
		s.invalidMessage(conn, "channels list must not be empty")
		return
	}

	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		ch, ok := ParseChannel(name)
		if !ok {
			s.invalidMessage(conn, "unknown channel: "+name)
			return
		}
		channels = append(channels, ch)
	}

	msgType := "subscribed"
	if add {
		conn.subs.Add(channels)
	} else {
		conn.subs.Remove(channels)
		msgType = "unsubscribed"
	}

	reply, err := json.Marshal(subscriptionMessage{
		Type:     msgType,
		Channels: names,
		Active:   channelNames(conn.subs.List()),
	})
	if err != nil {
		return
	}
	s.sendTo(conn, reply)

	s.logger.Debug().
		Int64("conn_id", conn.id).
		Str("user_id", conn.userID).
		Strs("channels", names).
		Bool("subscribe", add).
		Msg("subscription changed")
}

func (s *Server) sendPong(conn *Conn) {
	reply, err := json.Marshal(pongMessage{
		Type:      "pong",
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	s.sendTo(conn, reply)
}

func (s *Server) invalidMessage(conn *Conn, detail string) {
	atomic.AddInt64(&s.stats.InvalidMessages, 1)
	monitoring.RecordInvalidMessage()
	s.sendError(conn, CodeInvalidMessage, detail)
}

func (s *Server) sendError(conn *Conn, code, message string) {
	reply, err := json.Marshal(errorMessage{Type: "error", Code: code, Message: message})
	if err != nil {
		return
	}
	s.sendTo(conn, reply)
}
