// Package session persists per-room, per-agent conversation state,
// including the pending approval fragment carried across turns.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/parley/pkg/logger"
	"github.com/tinyland-inc/parley/pkg/tools"
)

const maxHistoryEntries = 200

// Entry is one remembered conversation turn.
type Entry struct {
	Role    string    `json:"role"` // "user" | "assistant" | "system"
	Content string    `json:"content"`
	Author  string    `json:"author,omitempty"`
	At      time.Time `json:"at"`
}

// State is everything retained for one session key across turns.
type State struct {
	Key     string                 `json:"key"`
	History []Entry                `json:"history,omitempty"`
	Pending *tools.PendingApproval `json:"pending_approval,omitempty"`
	Updated time.Time              `json:"updated"`
}

// Manager stores session state as one JSON file per key. Mutations for
// the same key are serialized through a per-key semaphore.
type Manager struct {
	dir   string
	locks sync.Map // key -> chan struct{} (capacity 1)

	mu    sync.Mutex
	cache map[string]*State
}

func NewManager(dir string) *Manager {
	return &Manager{
		dir:   dir,
		cache: make(map[string]*State),
	}
}

// Key builds the session key for an agent in a room.
func Key(roomID, agentID string) string {
	return roomID + ":" + agentID
}

func (m *Manager) lock(key string) func() {
	v, _ := m.locks.LoadOrStore(key, make(chan struct{}, 1))
	sem := v.(chan struct{})
	sem <- struct{}{}
	return func() { <-sem }
}

// Get loads (or creates) the state for a key. The returned value is a
// copy; use the mutation methods to change stored state.
func (m *Manager) Get(key string) *State {
	unlock := m.lock(key)
	defer unlock()
	st := m.load(key)
	copied := *st
	copied.History = append([]Entry(nil), st.History...)
	return &copied
}

// Append records a turn and persists.
func (m *Manager) Append(key string, entry Entry) error {
	unlock := m.lock(key)
	defer unlock()
	st := m.load(key)
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	st.History = append(st.History, entry)
	if len(st.History) > maxHistoryEntries {
		st.History = st.History[len(st.History)-maxHistoryEntries:]
	}
	return m.save(st)
}

// SetPending stores the approval fragment for the next turn. A nil
// value clears it.
func (m *Manager) SetPending(key string, pending *tools.PendingApproval) error {
	unlock := m.lock(key)
	defer unlock()
	st := m.load(key)
	st.Pending = pending
	return m.save(st)
}

// TakePending returns and clears the stored approval fragment, so an
// approval is consumed at most once.
func (m *Manager) TakePending(key string) (*tools.PendingApproval, error) {
	unlock := m.lock(key)
	defer unlock()
	st := m.load(key)
	pending := st.Pending
	if pending == nil {
		return nil, nil
	}
	st.Pending = nil
	if err := m.save(st); err != nil {
		return nil, err
	}
	return pending, nil
}

// Clear forgets a session entirely.
func (m *Manager) Clear(key string) error {
	unlock := m.lock(key)
	defer unlock()
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	err := os.Remove(m.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manager) load(key string) *State {
	m.mu.Lock()
	if st, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return st
	}
	m.mu.Unlock()

	st := &State{Key: key}
	data, err := os.ReadFile(m.path(key))
	if err == nil {
		if jsonErr := json.Unmarshal(data, st); jsonErr != nil {
			logger.WarnCF("session", "corrupt session file, starting fresh", map[string]any{
				"key":   key,
				"error": jsonErr.Error(),
			})
			st = &State{Key: key}
		}
	}

	m.mu.Lock()
	m.cache[key] = st
	m.mu.Unlock()
	return st
}

func (m *Manager) save(st *State) error {
	st.Updated = time.Now()
	if m.dir == "" {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := m.path(st.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (m *Manager) path(key string) string {
	safe := strings.NewReplacer("/", "_", ":", "_", "..", "_").Replace(key)
	return filepath.Join(m.dir, fmt.Sprintf("%s.json", safe))
}
