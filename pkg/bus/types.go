package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Envelope is one framed notification or response payload delivered to a
// connection. Method follows the wire protocol's method names
// ("message.create", "room.typing", ...).
type Envelope struct {
	Method        string `json:"method"`
	Params        any    `json:"params,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Conn is the bus-side handle for one live transport socket. The transport
// layer drains Outbound and writes each envelope to the wire.
type Conn struct {
	ID     string
	UserID string // empty for anonymous connections

	ch       chan Envelope
	done     chan struct{}
	closed   atomic.Bool
	lastSeen atomic.Int64

	closeOnce sync.Once
}

func newConn(id, userID string) *Conn {
	c := &Conn{
		ID:     id,
		UserID: userID,
		ch:     make(chan Envelope, 100),
		done:   make(chan struct{}),
	}
	c.Touch()
	return c
}

// Outbound is the ordered delivery channel for this connection.
func (c *Conn) Outbound() <-chan Envelope {
	return c.ch
}

// Done is closed when the connection is removed from the bus.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixMilli())
}

func (c *Conn) LastSeen() time.Time {
	return time.UnixMilli(c.lastSeen.Load())
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// deliver enqueues without blocking. A full buffer drops the envelope:
// a stalled consumer must not hold up the rest of the room.
func (c *Conn) deliver(env Envelope) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.ch <- env:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}
