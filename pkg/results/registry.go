// Package results keeps short-lived numbered result sets so follow-up
// messages like "open #3" resolve deterministically.
package results

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/parley/pkg/logger"
)

var (
	ErrNotFound   = errors.New("result set not found")
	ErrBadIndex   = errors.New("result index out of range")
	ErrNoResults  = errors.New("no results for room")
)

// Item is one numbered entry. Index is 1-based and stable for the
// lifetime of its set.
type Item struct {
	Index   int    `json:"index"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Set is an immutable snapshot of enumerable tool output.
type Set struct {
	ID        string    `json:"result_id"`
	RoomID    string    `json:"room_id"`
	Items     []Item    `json:"items"`
	CreatedAt time.Time `json:"created_at"`
}

type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Set
	latest map[string]string // roomID -> newest set id
	byRoom map[string][]string

	ttl        time.Duration
	maxPerRoom int

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a registry that expires sets after ttl, sweeping every
// sweep interval. maxPerRoom bounds how many historical sets a room keeps.
func New(ttl, sweep time.Duration, maxPerRoom int) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	if maxPerRoom <= 0 {
		maxPerRoom = 50
	}
	r := &Registry{
		byID:       make(map[string]*Set),
		latest:     make(map[string]string),
		byRoom:     make(map[string][]string),
		ttl:        ttl,
		maxPerRoom: maxPerRoom,
		stop:       make(chan struct{}),
	}
	go r.gcLoop(sweep)
	return r
}

// Create registers a new set and makes it the room's latest. Indices are
// assigned 1..len(items) regardless of what the caller filled in.
func (r *Registry) Create(roomID string, items []Item) *Set {
	copied := make([]Item, len(items))
	copy(copied, items)
	for i := range copied {
		copied[i].Index = i + 1
	}

	set := &Set{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Items:     copied,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[set.ID] = set
	r.latest[roomID] = set.ID
	ids := append(r.byRoom[roomID], set.ID)
	if len(ids) > r.maxPerRoom {
		evicted := ids[:len(ids)-r.maxPerRoom]
		ids = ids[len(ids)-r.maxPerRoom:]
		for _, id := range evicted {
			delete(r.byID, id)
		}
	}
	r.byRoom[roomID] = ids
	return set
}

// Latest returns the newest set for a room, used for unqualified
// "pick #N" references.
func (r *Registry) Latest(roomID string) (*Set, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.latest[roomID]
	if !ok {
		return nil, false
	}
	set, ok := r.byID[id]
	return set, ok
}

// Get returns a set by explicit id, regardless of whether a newer set
// has superseded it for the room.
func (r *Registry) Get(resultID string) (*Set, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byID[resultID]
	return set, ok
}

// Lookup resolves one item by explicit set id and 1-based index.
func (r *Registry) Lookup(resultID string, index int) (Item, error) {
	r.mu.RLock()
	set, ok := r.byID[resultID]
	r.mu.RUnlock()
	if !ok {
		return Item{}, ErrNotFound
	}
	if index < 1 || index > len(set.Items) {
		return Item{}, ErrBadIndex
	}
	return set.Items[index-1], nil
}

// Resolve picks an item against an explicit resultID when given, or the
// room's latest set otherwise.
func (r *Registry) Resolve(roomID, resultID string, index int) (Item, error) {
	if resultID != "" {
		return r.Lookup(resultID, index)
	}
	set, ok := r.Latest(roomID)
	if !ok {
		return Item{}, ErrNoResults
	}
	return r.Lookup(set.ID, index)
}

// DropRoom discards every set for a closed room.
func (r *Registry) DropRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byRoom[roomID] {
		delete(r.byID, id)
	}
	delete(r.byRoom, roomID)
	delete(r.latest, roomID)
}

// Close stops the GC loop.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := 0
	for roomID, ids := range r.byRoom {
		kept := ids[:0]
		for _, id := range ids {
			set, ok := r.byID[id]
			if !ok {
				continue
			}
			if now.Sub(set.CreatedAt) > r.ttl {
				delete(r.byID, id)
				if r.latest[roomID] == id {
					delete(r.latest, roomID)
				}
				expired++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(r.byRoom, roomID)
		} else {
			r.byRoom[roomID] = kept
		}
	}
	if expired > 0 {
		logger.DebugCF("results", "expired result sets", map[string]any{"count": expired})
	}
}
