package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tinyland-inc/parley/pkg/tools"
)

func TestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := Key("room-1", "agent-a")

	if err := m.Append(key, Entry{Role: "user", Content: "hello", Author: "u1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.Append(key, Entry{Role: "assistant", Content: "hi", Author: "agent-a"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// fresh manager reads from disk
	m2 := NewManager(dir)
	st := m2.Get(key)
	if len(st.History) != 2 {
		t.Fatalf("history = %d entries, want 2", len(st.History))
	}
	if st.History[0].Content != "hello" || st.History[1].Role != "assistant" {
		t.Errorf("history = %+v", st.History)
	}
}

func TestPendingApprovalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := Key("room-1", "agent-a")

	pending := &tools.PendingApproval{
		Tool: "serpapi",
		Func: "google_news",
		Args: map[string]any{"query": "spacex"},
		Hint: `Search for "spacex"?`,
	}
	if err := m.SetPending(key, pending); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	// survives a restart and comes back verbatim
	m2 := NewManager(dir)
	got, err := m2.TakePending(key)
	if err != nil {
		t.Fatalf("take pending: %v", err)
	}
	if got == nil || got.Tool != "serpapi" || got.Func != "google_news" {
		t.Fatalf("pending = %+v", got)
	}
	if got.Args["query"] != "spacex" {
		t.Errorf("args = %v", got.Args)
	}

	// consumed exactly once
	again, err := m2.TakePending(key)
	if err != nil {
		t.Fatalf("second take: %v", err)
	}
	if again != nil {
		t.Errorf("pending not cleared: %+v", again)
	}
}

func TestHistoryCapped(t *testing.T) {
	m := NewManager(t.TempDir())
	key := Key("room-1", "agent-a")

	for i := 0; i < maxHistoryEntries+50; i++ {
		if err := m.Append(key, Entry{Role: "user", Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	st := m.Get(key)
	if len(st.History) != maxHistoryEntries {
		t.Errorf("history = %d, want %d", len(st.History), maxHistoryEntries)
	}
}

func TestCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := Key("room-1", "agent-a")

	path := m.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	st := m.Get(key)
	if len(st.History) != 0 || st.Pending != nil {
		t.Errorf("corrupt file not reset: %+v", st)
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := Key("room-1", "agent-a")

	m.Append(key, Entry{Role: "user", Content: "hi"})
	if err := m.Clear(key); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if st := m.Get(key); len(st.History) != 0 {
		t.Errorf("history survived clear: %+v", st.History)
	}
}

func TestConcurrentAppendsSameKey(t *testing.T) {
	m := NewManager(t.TempDir())
	key := Key("room-1", "agent-a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Append(key, Entry{Role: "user", Content: "m"})
		}()
	}
	wg.Wait()

	if st := m.Get(key); len(st.History) != 20 {
		t.Errorf("history = %d, want 20", len(st.History))
	}
}
