package stream

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/portfolio-ws/internal/auth"
	"github.com/adred-codev/portfolio-ws/internal/limits"
	"github.com/adred-codev/portfolio-ws/internal/monitoring"
	"github.com/adred-codev/portfolio-ws/internal/types"
)

// Server wires the registry, aggregator, heartbeat supervisor and
// fan-out together. One instance per process; every collaborator is
// injected through New so tests can assemble a server without sockets
// or timers.
type Server struct {
	cfg      *types.ServerConfig
	logger   zerolog.Logger
	stats    *types.Stats
	registry *Registry
	agg      *Aggregator
	limiter  *limits.MessageLimiter
	resolver auth.SessionResolver
	pool     *deliveryPool

	stopCh       chan struct{}
	wg           sync.WaitGroup
	started      atomic.Bool
	shuttingDown atomic.Bool
}

// New assembles a server from its configuration and session resolver.
func New(cfg *types.ServerConfig, resolver auth.SessionResolver, logger zerolog.Logger) *Server {
	streamLogger := logger.With().Str("component", "stream").Logger()
	workers := runtime.GOMAXPROCS(0) * 2
	agg := NewAggregator()
	return &Server{
		cfg:      cfg,
		logger:   streamLogger,
		stats:    types.NewStats(),
		registry: NewRegistry(cfg.MaxConnections, cfg.MaxConnectionsPerUser, agg),
		agg:      agg,
		limiter:  limits.NewMessageLimiter(cfg.MessageRatePerSec, cfg.MessageRateBurst),
		resolver: resolver,
		pool:     newDeliveryPool(workers, workers*64, streamLogger),
		stopCh:   make(chan struct{}),
	}
}

// Stats exposes the server counters for health reporting.
func (s *Server) Stats() *types.Stats { return s.stats }

// Start launches the flush and heartbeat loops. Idempotent.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.pool.start()
	s.wg.Add(2)
	go s.flushLoop()
	go s.heartbeatLoop()

	s.logger.Info().
		Dur("flush_interval", s.cfg.FlushInterval).
		Dur("heartbeat_interval", s.cfg.HeartbeatInterval).
		Dur("heartbeat_timeout", s.cfg.HeartbeatTimeout).
		Int("max_connections", s.cfg.MaxConnections).
		Int("max_per_user", s.cfg.MaxConnectionsPerUser).
		Msg("stream server started")
}

// Shutdown stops the timers, flushes whatever the current batch window
// holds, then closes every connection with a going-away frame and
// clears all state. After Shutdown returns the instance is inert.
func (s *Server) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	if s.started.Load() {
		close(s.stopCh)
		s.wg.Wait()
	}

	// Final flush: accumulated data still owed to connected clients goes
	// out before any socket closes.
	s.flushOnce()
	s.pool.stop()

	conns := s.registry.Snapshot()
	s.logger.Info().Int("connections", len(conns)).Msg("closing all connections")
	for _, conn := range conns {
		s.closeConn(conn, ws.StatusGoingAway, "server shutting down", "shutdown")
	}

	s.logger.Info().Msg("stream server stopped")
}

// ShuttingDown reports whether Shutdown has begun. New upgrade attempts
// are refused once it has.
func (s *Server) ShuttingDown() bool { return s.shuttingDown.Load() }

// closeConn is the single teardown path: transport close, registry
// eviction, buffer lifecycle, limiter cleanup, accounting. Racing
// callers are safe; only the first eviction does the bookkeeping.
func (s *Server) closeConn(conn *Conn, status ws.StatusCode, reason, statReason string) {
	conn.close(status, reason)

	removed, lastOfUser := s.registry.Evict(conn)
	if !removed {
		return
	}
	s.limiter.Remove(conn.id)

	active := atomic.AddInt64(&s.stats.CurrentConnections, -1)
	s.stats.RecordDisconnect(statReason)
	monitoring.RecordDisconnect(statReason, time.Since(conn.connectedAt), active)

	s.logger.Debug().
		Int64("conn_id", conn.id).
		Str("user_id", conn.userID).
		Str("reason", statReason).
		Bool("last_of_user", lastOfUser).
		Int64("messages_sent", conn.SentCount()).
		Msg("connection closed")
}

// runTick runs one tick's work with its own recover, so a panic in a
// single pass is logged and absorbed instead of unwinding the loop and
// silently ending supervision for the life of the process.
func (s *Server) runTick(name string, fn func()) {
	defer monitoring.RecoverPanic(s.logger, name, nil)
	fn()
}

// flushLoop drives the batch window. Tick work runs inline on this
// goroutine, so two flushes can never overlap.
func (s *Server) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runTick("flush-loop", s.flushOnce)
		case <-s.stopCh:
			return
		}
	}
}

// flushOnce drains every user buffer and delivers the payloads. Buffers
// are cleared before delivery starts, so events arriving mid-flush land
// in the next window.
func (s *Server) flushOnce() {
	start := time.Now()
	payloads := s.agg.DrainAll()
	if len(payloads) == 0 {
		return
	}

	// Per-user delivery fans out across the pool; the flush is not done
	// until every user's payload has been queued to its connections.
	var wg sync.WaitGroup
	for userID, payload := range payloads {
		userID, payload := userID, payload
		wg.Add(1)
		s.pool.run(func() {
			defer wg.Done()
			s.deliverBatch(userID, payload)
		})
	}
	wg.Wait()
	monitoring.RecordFlushDuration(time.Since(start))
}

// deliverBatch fans one user's payload out to their connections,
// filtered per connection to its subscribed channels. A connection with
// no matching subscription receives nothing.
func (s *Server) deliverBatch(userID string, payload *BatchPayload) {
	conns := s.registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		return
	}

	for _, conn := range conns {
		filtered := payload.filter(conn.subs)
		if filtered == nil {
			continue
		}
		data, err := json.Marshal(batchMessage{Type: "batch", Data: filtered})
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("batch marshal failed")
			continue
		}
		if s.sendTo(conn, data) {
			atomic.AddInt64(&s.stats.BatchesDelivered, 1)
			monitoring.RecordBatchDelivered()
		}
	}
}

// sendTo queues a frame on one connection with drop accounting.
func (s *Server) sendTo(conn *Conn, data []byte) bool {
	if conn.trySend(data) {
		return true
	}
	atomic.AddInt64(&s.stats.DroppedSends, 1)
	monitoring.RecordDroppedSend("buffer_full")
	s.logger.Warn().
		Int64("conn_id", conn.id).
		Str("user_id", conn.userID).
		Msg("send buffer full, frame dropped")
	return false
}

// HandleHealth serves a JSON health summary.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ShuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	s.stats.Mu.RLock()
	cpu := s.stats.CPUPercent
	mem := s.stats.MemoryMB
	goroutines := s.stats.Goroutines
	s.stats.Mu.RUnlock()

	resp := map[string]interface{}{
		"status":             "ok",
		"connections":        s.registry.Len(),
		"users":              s.registry.UserCount(),
		"max_connections":    s.cfg.MaxConnections,
		"events_ingested":    atomic.LoadInt64(&s.stats.EventsIngested),
		"events_discarded":   atomic.LoadInt64(&s.stats.EventsDiscarded),
		"batches_delivered":  atomic.LoadInt64(&s.stats.BatchesDelivered),
		"batch_efficiency":   s.stats.BatchEfficiency(),
		"dropped_sends":      atomic.LoadInt64(&s.stats.DroppedSends),
		"heartbeat_timeouts": atomic.LoadInt64(&s.stats.HeartbeatTimeouts),
		"cpu_percent":        cpu,
		"memory_mb":          mem,
		"goroutines":         goroutines,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
