package types

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// ServerConfig contains the configuration for the portfolio stream server
type ServerConfig struct {
	Addr    string
	NATSURL string

	// Admission limits
	MaxConnections        int // process-wide cap
	MaxConnectionsPerUser int

	// Batching
	FlushInterval time.Duration // batch window length

	// Liveness
	HeartbeatInterval time.Duration // probe sweep period
	HeartbeatTimeout  time.Duration // evict when no pong for this long

	// Per-connection send buffer (slots)
	SendBufferSize int

	// Inbound client message rate limiting
	MessageRatePerSec float64
	MessageRateBurst  int

	// Monitoring
	MetricsInterval time.Duration

	// Logging
	LogLevel  LogLevel
	LogFormat LogFormat
}

// Stats tracks server statistics. Counter fields are updated with
// sync/atomic; the maps have their own mutexes.
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	StartTime          time.Time

	// Ingest and batching
	EventsIngested   int64 // batchable domain events accepted into a buffer
	EventsDiscarded  int64 // domain events for users with no open connection
	BatchesDelivered int64 // batch messages queued to a connection
	DroppedSends     int64 // sends dropped because a connection buffer was full

	// Liveness and protocol
	HeartbeatTimeouts   int64
	RateLimitedMessages int64
	InvalidMessages     int64

	// Resource usage, written by the system monitor
	Mu         sync.RWMutex
	CPUPercent float64
	MemoryMB   float64
	Goroutines int

	DisconnectsByReason map[string]int64
	DisconnectsMu       sync.RWMutex
}

// NewStats creates a Stats with initialized maps.
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
	}
}

// RecordDisconnect bumps the per-reason disconnect counter.
func (s *Stats) RecordDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	s.DisconnectsByReason[reason]++
	s.DisconnectsMu.Unlock()
}

// BatchEfficiency reports the fraction of raw events absorbed by
// batching: 1 - delivered/ingested, clamped to [0,1]. With no ingested
// events it reports 0.
func (s *Stats) BatchEfficiency() float64 {
	ingested := atomic.LoadInt64(&s.EventsIngested)
	if ingested == 0 {
		return 0
	}
	delivered := atomic.LoadInt64(&s.BatchesDelivered)
	eff := 1 - float64(delivered)/float64(ingested)
	return math.Min(1, math.Max(0, eff))
}
