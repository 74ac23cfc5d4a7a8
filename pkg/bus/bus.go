// Package bus owns the live connection registry and room membership index,
// and fans envelopes out to subscribers in publish order.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyland-inc/parley/pkg/logger"
)

var (
	ErrBusClosed    = errors.New("session bus closed")
	ErrRoomNotFound = errors.New("room has no subscribers")
	ErrConnNotFound = errors.New("connection not registered")
)

type Bus struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]map[string]*Conn // roomID -> connID -> conn
	active map[string]string           // connID -> default room for unqualified calls
	closed bool

	// per-room publish serialization so two sequential publishes reach
	// every subscriber in the same order
	roomLocks sync.Map // roomID -> *sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage // correlation id -> waiter
}

func New() *Bus {
	return &Bus{
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]map[string]*Conn),
		active:  make(map[string]string),
		pending: make(map[string]chan json.RawMessage),
	}
}

// Register creates the bus-side handle for a new transport socket.
func (b *Bus) Register(connID, userID string) (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if old, ok := b.conns[connID]; ok {
		old.close()
	}
	c := newConn(connID, userID)
	b.conns[connID] = c
	return c, nil
}

// Unregister drops the connection and releases all of its room memberships.
func (b *Bus) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connID]
	if !ok {
		return
	}
	delete(b.conns, connID)
	delete(b.active, connID)
	for roomID, members := range b.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(b.rooms, roomID)
		}
	}
	c.close()
}

// Join subscribes the connection to a room and makes that room its active
// room context. Membership is additive: earlier joins keep delivering.
func (b *Bus) Join(connID, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	members, ok := b.rooms[roomID]
	if !ok {
		members = make(map[string]*Conn)
		b.rooms[roomID] = members
	}
	members[connID] = c
	b.active[connID] = roomID
	c.Touch()
	return nil
}

// Leave removes the connection from every room without dropping it.
func (b *Bus) Leave(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, connID)
	for roomID, members := range b.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(b.rooms, roomID)
		}
	}
}

// SetUser attaches an authenticated identity to a registered connection.
// Identity arrives with room.join, after the socket is already registered.
func (b *Bus) SetUser(connID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[connID]; ok {
		c.UserID = userID
	}
}

// ConnCount returns the number of live connections.
func (b *Bus) ConnCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// RoomCount returns the number of rooms with at least one subscriber.
func (b *Bus) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

// ActiveRoom returns the room unqualified tool calls resolve against.
func (b *Bus) ActiveRoom(connID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	roomID, ok := b.active[connID]
	return roomID, ok
}

// RoomConns returns the ids of connections currently joined to the room.
func (b *Bus) RoomConns(roomID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	members := b.rooms[roomID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// RoomUsers returns the distinct authenticated user ids present in the room.
func (b *Bus) RoomUsers(roomID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range b.rooms[roomID] {
		if c.UserID == "" || seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		out = append(out, c.UserID)
	}
	return out
}

// Publish fans the envelope out to every connection joined to the room.
// A room with no subscribers is a warning, not a failure.
func (b *Bus) Publish(roomID string, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	members := b.rooms[roomID]
	snapshot := make([]*Conn, 0, len(members))
	for _, c := range members {
		snapshot = append(snapshot, c)
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		logger.WarnCF("bus", "publish to empty room dropped", map[string]any{
			"room_id": roomID,
			"method":  env.Method,
		})
		return ErrRoomNotFound
	}

	lock := b.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	for _, c := range snapshot {
		if !c.deliver(env) {
			logger.WarnCF("bus", "dropped envelope for slow connection", map[string]any{
				"conn_id": c.ID,
				"room_id": roomID,
				"method":  env.Method,
			})
		}
	}
	return nil
}

// Send unicasts one envelope to a single connection.
func (b *Bus) Send(connID string, env Envelope) error {
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}
	if !c.deliver(env) {
		return ErrConnNotFound
	}
	return nil
}

// Request sends an envelope tagged with a correlation id and blocks until
// Respond is called with the same id, the context ends, or the connection
// goes away.
func (b *Bus) Request(ctx context.Context, connID string, env Envelope) (json.RawMessage, error) {
	corrID := uuid.NewString()
	env.CorrelationID = corrID

	ch := make(chan json.RawMessage, 1)
	b.pendingMu.Lock()
	b.pending[corrID] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, corrID)
		b.pendingMu.Unlock()
	}()

	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrConnNotFound
	}

	if err := b.Send(connID, env); err != nil {
		return nil, err
	}

	select {
	case payload := <-ch:
		return payload, nil
	case <-c.Done():
		return nil, ErrConnNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond completes a pending Request. Returns false when no waiter is
// registered for the correlation id.
func (b *Bus) Respond(corrID string, payload json.RawMessage) bool {
	b.pendingMu.Lock()
	ch, ok := b.pending[corrID]
	if ok {
		delete(b.pending, corrID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}

// Close drops every connection and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.conns {
		c.close()
	}
	b.conns = make(map[string]*Conn)
	b.rooms = make(map[string]map[string]*Conn)
	b.active = make(map[string]string)
}

func (b *Bus) roomLock(roomID string) *sync.Mutex {
	v, _ := b.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
