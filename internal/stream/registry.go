package stream

import (
	"net"
	"sync"
	"sync/atomic"
)

// Admission rejection reasons. The order of checks is fixed: identity is
// resolved before limits, the per-user limit is checked before the
// global one.
const (
	RejectUserLimit = "user_limit"
	RejectCapacity  = "capacity"
)

// AdmissionError is a refused connection attempt. Reason selects the
// close code and error payload sent to the client.
type AdmissionError struct {
	Reason string
	Code   string
	Msg    string
}

func (e *AdmissionError) Error() string { return e.Msg }

func errUserLimit() *AdmissionError {
	return &AdmissionError{
		Reason: RejectUserLimit,
		Code:   CodeUserLimitExceeded,
		Msg:    "too many connections for this user",
	}
}

func errCapacity() *AdmissionError {
	return &AdmissionError{
		Reason: RejectCapacity,
		Code:   CodeCapacityExceeded,
		Msg:    "server at connection capacity",
	}
}

// Registry tracks every open connection twice: by connection id and by
// user. Both indexes are kept consistent under one mutex so a
// concurrent admit and evict can never observe a half-registered
// connection. The registry also owns the batch-buffer lifecycle:
// buffer creation on a user's first admit and destruction on the last
// evict happen inside the same critical section as the index mutation,
// so an evict racing a reconnect can never drop the buffer of a user
// who still has an open connection.
type Registry struct {
	mu     sync.Mutex
	conns  map[int64]*Conn
	byUser map[string]map[int64]*Conn
	agg    *Aggregator

	nextID int64

	maxConns   int
	maxPerUser int
}

// NewRegistry creates a registry with the given global and per-user
// connection limits. The aggregator's per-user buffers follow the
// registry's membership.
func NewRegistry(maxConns, maxPerUser int, agg *Aggregator) *Registry {
	return &Registry{
		conns:      make(map[int64]*Conn),
		byUser:     make(map[string]map[int64]*Conn),
		agg:        agg,
		maxConns:   maxConns,
		maxPerUser: maxPerUser,
	}
}

// Admit registers a new connection for userID. The per-user limit is
// checked before the global limit, so a user at their own cap is told
// so even when the whole server is also full. The second return value
// is true when this is the user's first open connection.
func (r *Registry) Admit(userID string, sock net.Conn, sendBuf int) (*Conn, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byUser[userID]) >= r.maxPerUser {
		return nil, false, errUserLimit()
	}
	if len(r.conns) >= r.maxConns {
		return nil, false, errCapacity()
	}

	id := atomic.AddInt64(&r.nextID, 1)
	conn := newConn(id, userID, sock, sendBuf)

	r.conns[id] = conn
	userConns, ok := r.byUser[userID]
	if !ok {
		userConns = make(map[int64]*Conn)
		r.byUser[userID] = userConns
	}
	userConns[id] = conn

	first := len(userConns) == 1
	if first {
		// The buffer must exist before the first domain event for this
		// user arrives, otherwise it would be discarded.
		r.agg.EnsureBuffer(userID)
	}
	return conn, first, nil
}

// Evict removes a connection from both indexes. Idempotent: racing
// paths (client close, heartbeat timeout, shutdown) may all call it and
// only the first has any effect. The second return value is true when
// this was the user's last open connection.
func (r *Registry) Evict(conn *Conn) (removed, lastOfUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.id]; !ok {
		return false, false
	}
	delete(r.conns, conn.id)

	userConns := r.byUser[conn.userID]
	delete(userConns, conn.id)
	if len(userConns) == 0 {
		delete(r.byUser, conn.userID)
		// Last connection gone: the buffer and anything unflushed in it
		// go too. Dropping here, under the registry lock, means a
		// concurrent reconnect either lands after the drop (and gets a
		// fresh buffer) or before it (and keeps the user alive, so no
		// drop happens at all).
		r.agg.DropBuffer(conn.userID)
		return true, true
	}
	return true, false
}

// ConnectionsFor returns a snapshot of the user's open connections.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	userConns := r.byUser[userID]
	if len(userConns) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

// Snapshot returns every open connection. Used by the heartbeat sweep
// and by shutdown; both operate on the copy so eviction during
// iteration cannot deadlock against the registry lock.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// UserCount returns the number of distinct users with open connections.
func (r *Registry) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
