package stream

import (
	"encoding/json"
	"sync/atomic"

	"github.com/adred-codev/portfolio-ws/internal/monitoring"
)

// BroadcastEvent is the single ingress for backend events. Domain
// events are folded into the user's batch buffer and go out on the next
// flush; control events bypass batching and are queued immediately to
// every one of the user's connections, regardless of subscriptions.
// Events for users with no open connection are discarded silently.
func (s *Server) BroadcastEvent(userID string, ev Event) {
	if ch, ok := DomainChannel(ev); ok {
		if s.agg.Accumulate(userID, ev) {
			atomic.AddInt64(&s.stats.EventsIngested, 1)
			monitoring.RecordEventIngested(string(ch))
		} else {
			atomic.AddInt64(&s.stats.EventsDiscarded, 1)
			monitoring.RecordEventDiscarded()
		}
		return
	}
	s.deliverControl(userID, ev)
}

// deliverControl sends a control event to all of the user's connections
// without waiting for the batch window.
func (s *Server) deliverControl(userID string, ev Event) {
	conns := s.registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		return
	}

	data, err := marshalControl(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("control marshal failed")
		return
	}

	for _, conn := range conns {
		s.sendTo(conn, data)
	}
}

// marshalControl wraps a control event in its wire envelope.
func marshalControl(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case Pong:
		return json.Marshal(pongMessage{Type: "pong", Timestamp: e.Timestamp})
	case Notice:
		return json.Marshal(errorMessage{Type: "error", Code: e.Code, Message: e.Message, Detail: e.Detail})
	}
	return json.Marshal(ev)
}
