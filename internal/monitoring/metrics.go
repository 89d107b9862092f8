package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the portfolio stream server.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections admitted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connections_rejected_total",
		Help: "Connection attempts rejected at admission, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	// Batching metrics
	eventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_ingested_total",
		Help: "Domain events accepted into a user batch buffer, by channel",
	}, []string{"channel"})

	eventsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_events_discarded_total",
		Help: "Domain events dropped because the user had no open connection",
	})

	batchesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_batches_delivered_total",
		Help: "Batch messages queued to client connections",
	})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_batch_flush_duration_seconds",
		Help:    "Wall time of one flush pass over all user buffers",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	droppedSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dropped_sends_total",
		Help: "Per-connection sends dropped because the send buffer was full",
	}, []string{"kind"})

	// Liveness and protocol metrics
	heartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_heartbeat_timeouts_total",
		Help: "Connections evicted for missing heartbeat responses",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limited_messages_total",
		Help: "Inbound client messages dropped by the rate limiter",
	})

	invalidMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_invalid_messages_total",
		Help: "Inbound client messages that failed to parse",
	})

	// Resource metrics, written by the system monitor
	cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_percent",
		Help: "Process host CPU usage percentage",
	})

	memoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_bytes",
		Help: "Resident memory usage in bytes",
	})

	goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		disconnectsTotal,
		connectionDuration,
		messagesSent,
		messagesReceived,
		bytesSent,
		bytesReceived,
		eventsIngested,
		eventsDiscarded,
		batchesDelivered,
		flushDuration,
		droppedSends,
		heartbeatTimeouts,
		rateLimitedMessages,
		invalidMessages,
		cpuPercent,
		memoryBytes,
		goroutines,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordConnection tracks a successful admission.
func RecordConnection(active int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
}

// RecordRejection tracks a rejected admission attempt.
func RecordRejection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordDisconnect tracks a connection teardown.
func RecordDisconnect(reason string, duration time.Duration, active int64) {
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
	connectionsActive.Set(float64(active))
}

// UpdateMessageMetrics adds to the sent/received message counters.
func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

// UpdateBytesMetrics adds to the sent/received byte counters.
func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

// RecordEventIngested tracks a domain event folded into a batch buffer.
func RecordEventIngested(channel string) {
	eventsIngested.WithLabelValues(channel).Inc()
}

// RecordEventDiscarded tracks a domain event for a connectionless user.
func RecordEventDiscarded() {
	eventsDiscarded.Inc()
}

// RecordBatchDelivered tracks a batch message queued to a connection.
func RecordBatchDelivered() {
	batchesDelivered.Inc()
}

// RecordFlushDuration tracks the wall time of one flush pass.
func RecordFlushDuration(d time.Duration) {
	flushDuration.Observe(d.Seconds())
}

// RecordDroppedSend tracks a send dropped on a full connection buffer.
func RecordDroppedSend(kind string) {
	droppedSends.WithLabelValues(kind).Inc()
}

// RecordHeartbeatTimeout tracks a heartbeat eviction.
func RecordHeartbeatTimeout() {
	heartbeatTimeouts.Inc()
}

// RecordRateLimitedMessage tracks an inbound message dropped by the limiter.
func RecordRateLimitedMessage() {
	rateLimitedMessages.Inc()
}

// RecordInvalidMessage tracks an unparseable inbound message.
func RecordInvalidMessage() {
	invalidMessages.Inc()
}

// UpdateResourceMetrics publishes the latest system monitor sample.
func UpdateResourceMetrics(cpu float64, memBytes int64, numGoroutines int) {
	cpuPercent.Set(cpu)
	memoryBytes.Set(float64(memBytes))
	goroutines.Set(float64(numGoroutines))
}
