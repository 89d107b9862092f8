package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// MessageLimiter enforces a per-connection inbound message rate. Each
// connection gets its own token bucket so one flooding client cannot
// consume another client's budget.
type MessageLimiter struct {
	perSec rate.Limit
	burst  int

	// connID -> *rate.Limiter. Read-heavy: every inbound message calls
	// Allow, buckets are only created/removed on connect/disconnect.
	limiters sync.Map
}

// NewMessageLimiter creates a limiter allowing perSec sustained messages
// with the given burst per connection.
func NewMessageLimiter(perSec float64, burst int) *MessageLimiter {
	return &MessageLimiter{
		perSec: rate.Limit(perSec),
		burst:  burst,
	}
}

// Allow reports whether the connection may process one more message now.
func (l *MessageLimiter) Allow(connID int64) bool {
	limiter, _ := l.limiters.LoadOrStore(connID, rate.NewLimiter(l.perSec, l.burst))
	return limiter.(*rate.Limiter).Allow()
}

// Remove drops the bucket for a closed connection.
func (l *MessageLimiter) Remove(connID int64) {
	l.limiters.Delete(connID)
}
