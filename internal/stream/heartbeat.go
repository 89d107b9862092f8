package stream

import (
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/portfolio-ws/internal/monitoring"
)

// heartbeatLoop sweeps every connection on a fixed period: evict the
// ones whose last transport pong is older than the timeout, probe the
// rest. Sweep work runs inline, so two sweeps can never overlap.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runTick("heartbeat-loop", func() { s.sweepOnce(time.Now()) })
		case <-s.stopCh:
			return
		}
	}
}

// sweepOnce runs one supervision pass at the given instant. Liveness is
// judged only on transport pongs; a client streaming application
// messages without answering probes is still considered dead.
func (s *Server) sweepOnce(now time.Time) {
	for _, conn := range s.registry.Snapshot() {
		silent := now.Sub(conn.lastLiveness())
		if silent > s.cfg.HeartbeatTimeout {
			atomic.AddInt64(&s.stats.HeartbeatTimeouts, 1)
			monitoring.RecordHeartbeatTimeout()
			s.logger.Info().
				Int64("conn_id", conn.id).
				Str("user_id", conn.userID).
				Dur("silent_for", silent).
				Msg("heartbeat timeout, evicting connection")
			s.closeConn(conn, ws.StatusNormalClosure, "heartbeat timeout", "heartbeat_timeout")
			continue
		}
		conn.requestPing()
	}
}
