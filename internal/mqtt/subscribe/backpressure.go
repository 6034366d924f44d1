package subscribe

import (
	"errors"
	"sync"
)

// ErrReceiveMaximumExceeded is returned when a connection has more
// unacked QoS1/QoS2 publishes in flight than its negotiated
// receive_maximum allows; the caller closes the
// connection with reason ReceiveMaximumExceeded.
var ErrReceiveMaximumExceeded = errors.New("subscribe: receive maximum exceeded")

// InflightLimiter enforces receive_maximum per connection: the server
// refuses to have more than receiveMaximum concurrent unacked QoS1/QoS2
// publishes outstanding to a given connection.
type InflightLimiter struct {
	mu       sync.Mutex
	limits   map[string]uint16 // client_id -> receive_maximum
	inflight map[string]uint16
}

// NewInflightLimiter creates an empty limiter.
func NewInflightLimiter() *InflightLimiter {
	return &InflightLimiter{
		limits:   make(map[string]uint16),
		inflight: make(map[string]uint16),
	}
}

// SetLimit records clientID's negotiated receive_maximum. Zero means
// unlimited per the MQTT spec's default.
func (l *InflightLimiter) SetLimit(clientID string, receiveMaximum uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[clientID] = receiveMaximum
}

// Acquire increments clientID's in-flight count, returning
// ErrReceiveMaximumExceeded if that would exceed its limit.
func (l *InflightLimiter) Acquire(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := l.limits[clientID]
	if limit != 0 && l.inflight[clientID] >= limit {
		return ErrReceiveMaximumExceeded
	}
	l.inflight[clientID]++
	return nil
}

// Release decrements clientID's in-flight count on a terminal ack
// (PUBACK for QoS1, PUBCOMP for QoS2).
func (l *InflightLimiter) Release(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[clientID] > 0 {
		l.inflight[clientID]--
	}
}

// Forget drops all bookkeeping for clientID on disconnect.
func (l *InflightLimiter) Forget(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limits, clientID)
	delete(l.inflight, clientID)
}
