package stream

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/portfolio-ws/internal/monitoring"
)

const writeWait = 10 * time.Second

// writePump is the only goroutine that writes to the socket. Queued
// frames, heartbeat probes, the close frame and the socket close all
// serialize through it, so interleaved partial frames cannot happen.
func (s *Server) writePump(conn *Conn) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": conn.id,
	})
	defer conn.closeSock()

	writer := bufio.NewWriter(conn.sock)

	for {
		select {
		case message := <-conn.send:
			_ = conn.sock.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Int64("conn_id", conn.id).Msg("write failed")
				s.closeConn(conn, ws.StatusInternalServerError, "write failed", "write_error")
				return
			}
			s.countSent(conn, len(message))

			// Drain whatever else is queued into the same flush.
			n := len(conn.send)
			for i := 0; i < n; i++ {
				message = <-conn.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Int64("conn_id", conn.id).Msg("write failed")
					s.closeConn(conn, ws.StatusInternalServerError, "write failed", "write_error")
					return
				}
				s.countSent(conn, len(message))
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Int64("conn_id", conn.id).Msg("flush failed")
				s.closeConn(conn, ws.StatusInternalServerError, "write failed", "write_error")
				return
			}

		case <-conn.ping:
			_ = conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn.sock, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Int64("conn_id", conn.id).Msg("ping failed")
				s.closeConn(conn, ws.StatusInternalServerError, "write failed", "write_error")
				return
			}

		case <-conn.done:
			// Teardown: frames queued before the close signal go out
			// first, then the close frame, then the socket.
			_ = conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
		drain:
			for {
				select {
				case message := <-conn.send:
					if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
						return
					}
					s.countSent(conn, len(message))
				default:
					break drain
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}
			body := ws.NewCloseFrameBody(conn.closeStatus, conn.closeMsg)
			_ = ws.WriteFrame(conn.sock, ws.NewCloseFrame(body))
			return
		}
	}
}

func (s *Server) countSent(conn *Conn, n int) {
	atomic.AddInt64(&conn.sentCount, 1)
	atomic.AddInt64(&s.stats.MessagesSent, 1)
	atomic.AddInt64(&s.stats.BytesSent, int64(n))
	monitoring.UpdateMessageMetrics(1, 0)
	monitoring.UpdateBytesMetrics(int64(n), 0)
}
