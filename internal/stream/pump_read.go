package stream

import (
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/portfolio-ws/internal/monitoring"
)

// readPump consumes frames from one connection until it dies. Transport
// pongs feed the liveness clock here; everything else the client can
// send is a text control message.
func (s *Server) readPump(conn *Conn) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": conn.id,
	})
	defer s.closeConn(conn, ws.StatusNormalClosure, "", "client_close")

	for {
		msg, op, err := wsutil.ReadClientData(conn.sock)
		if err != nil {
			return
		}

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(msg)))
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(msg)))

		switch op {
		case ws.OpText:
			if !s.limiter.Allow(conn.id) {
				atomic.AddInt64(&s.stats.RateLimitedMessages, 1)
				monitoring.RecordRateLimitedMessage()
				s.sendError(conn, CodeRateLimited, "too many messages, slow down")
				continue
			}
			s.handleClientMessage(conn, msg)

		case ws.OpPong:
			// Only the transport pong proves liveness. Application-level
			// ping messages are answered in handleClientMessage but never
			// touch this clock.
			conn.touchLiveness()

		case ws.OpClose:
			return
		}
	}
}
