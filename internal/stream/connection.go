package stream

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// Conn is one live client connection. The underlying socket is owned
// exclusively by the connection's pumps; everything else talks to the
// connection through its send/ping channels.
type Conn struct {
	id     int64
	userID string
	sock   net.Conn

	send chan []byte   // outgoing frames, drained by writePump
	ping chan struct{} // liveness probe requests from the supervisor
	done chan struct{} // closed exactly once on teardown

	subs *SubscriptionSet

	lastPong    int64 // unix nano, written only by the pong handler
	sentCount   int64
	connectedAt time.Time

	// Close status and message for the outgoing close frame. Written
	// once inside closeOnce before done is closed, so writePump reads
	// them safely after <-done.
	closeStatus ws.StatusCode
	closeMsg    string

	closeOnce sync.Once
	sockOnce  sync.Once
}

func newConn(id int64, userID string, sock net.Conn, sendBuf int) *Conn {
	return &Conn{
		id:          id,
		userID:      userID,
		sock:        sock,
		send:        make(chan []byte, sendBuf),
		ping:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		subs:        NewSubscriptionSet(),
		lastPong:    time.Now().UnixNano(),
		connectedAt: time.Now(),
	}
}

// ID returns the process-unique connection identifier.
func (c *Conn) ID() int64 { return c.id }

// UserID returns the owning user. A connection belongs to exactly one
// user for its lifetime.
func (c *Conn) UserID() string { return c.userID }

// Subscriptions returns the connection's channel subscription set.
func (c *Conn) Subscriptions() *SubscriptionSet { return c.subs }

// touchLiveness records a transport-level pong. Application-level ping
// messages deliberately do not call this; only the transport probe
// response proves the socket is alive.
func (c *Conn) touchLiveness() {
	atomic.StoreInt64(&c.lastPong, time.Now().UnixNano())
}

func (c *Conn) lastLiveness() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPong))
}

// trySend queues a frame without blocking. A full buffer drops the
// frame for this connection only; a slow client must never stall the
// broadcast of other connections.
func (c *Conn) trySend(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// requestPing asks the writePump to emit a transport ping. Non-blocking;
// a probe already in flight is enough.
func (c *Conn) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

// close records the close status and signals done. The socket itself is
// not touched here: writePump owns all socket writes, drains the send
// queue, emits the close frame and closes the socket when done fires.
// Safe to call from racing paths (client close, heartbeat timeout,
// shutdown).
func (c *Conn) close(status ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeStatus = status
		c.closeMsg = reason
		close(c.done)
	})
}

// closeSock closes the underlying socket once. Called only from
// writePump, or from teardown paths where the pump already exited.
func (c *Conn) closeSock() {
	c.sockOnce.Do(func() {
		if c.sock != nil {
			_ = c.sock.Close()
		}
	})
}

// SentCount returns the number of frames written to this connection.
func (c *Conn) SentCount() int64 {
	return atomic.LoadInt64(&c.sentCount)
}

// SubscriptionSet is a thread-safe set of channel subscriptions, scoped
// to one connection. Two connections of the same user may hold
// different sets.
type SubscriptionSet struct {
	mu       sync.RWMutex
	channels map[Channel]struct{}
}

// NewSubscriptionSet creates an empty set. A newly admitted connection
// receives nothing until it subscribes.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{channels: make(map[Channel]struct{})}
}

// Add subscribes to the given channels. Idempotent.
func (s *SubscriptionSet) Add(channels []Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
}

// Remove unsubscribes from the given channels. Idempotent.
func (s *SubscriptionSet) Remove(channels []Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
}

// Has reports whether the connection is subscribed to ch.
func (s *SubscriptionSet) Has(ch Channel) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[ch]
	return ok
}

// Count returns the number of active subscriptions.
func (s *SubscriptionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// List returns the subscribed channels in canonical channel order.
func (s *SubscriptionSet) List() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, 0, len(s.channels))
	for _, ch := range Channels() {
		if _, ok := s.channels[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
