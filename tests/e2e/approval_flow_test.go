package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/parley/pkg/agent"
	"github.com/tinyland-inc/parley/pkg/bus"
	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/config"
	"github.com/tinyland-inc/parley/pkg/gateway"
	"github.com/tinyland-inc/parley/pkg/providers/protocoltypes"
	"github.com/tinyland-inc/parley/pkg/results"
	"github.com/tinyland-inc/parley/pkg/session"
	"github.com/tinyland-inc/parley/pkg/tools"
)

const newsMarkdown = "## SpaceX headlines\n\n1. Starship launch window set\n2. Booster recovered\n3. Crew rotation announced"

type scriptedCompleter struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (f *scriptedCompleter) Chat(ctx context.Context, messages []protocoltypes.Message, defs []protocoltypes.ToolDefinition, model string, options map[string]any) (*protocoltypes.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	if idx < 0 {
		return &protocoltypes.LLMResponse{Content: `{"type":"stop"}`}, nil
	}
	return &protocoltypes.LLMResponse{Content: f.responses[idx]}, nil
}

func (f *scriptedCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSearch struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSearch) Name() string { return "serpapi" }

func (f *fakeSearch) Catalog() []capability.Entry {
	return []capability.Entry{{
		Tool: "serpapi", Func: "google_news",
		Description: "search recent news headlines",
		Tags:        []string{"search", "news"},
		Synonyms:    []string{"headlines", "latest"},
		SideEffect:  true,
	}}
}

func (f *fakeSearch) Execute(ctx context.Context, fn string, args map[string]any, tc tools.ToolContext) *tools.ToolResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &tools.ToolResult{
		ForLLM:   "3 headlines fetched",
		Markdown: newsMarkdown,
		Items: []results.Item{
			{Title: "Starship launch window set", URL: "https://news.example/starship"},
			{Title: "Booster recovered", URL: "https://news.example/booster"},
			{Title: "Crew mission announced", URL: "https://news.example/crew"},
		},
	}
}

func (f *fakeSearch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFetcher) Name() string { return "scraper" }

func (f *fakeFetcher) Catalog() []capability.Entry {
	return []capability.Entry{{
		Tool: "scraper", Func: "fetch",
		Description: "fetch a web page as readable text",
		Tags:        []string{"web"},
	}}
}

func (f *fakeFetcher) Execute(ctx context.Context, fn string, args map[string]any, tc tools.ToolContext) *tools.ToolResult {
	url, _ := args["url"].(string)
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	return tools.MarkdownResult("article text", "## Article\n\nfull text of "+url)
}

type stack struct {
	ts        *httptest.Server
	completer *scriptedCompleter
	search    *fakeSearch
	fetcher   *fakeFetcher
}

func newStack(t *testing.T, responses ...string) *stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Agents.List = []config.AgentConfig{{
		ID:        "ada",
		Default:   true,
		Name:      "Ada Lovelace",
		Handle:    "ada",
		Persona:   "A news-savvy assistant.",
		Interests: []string{"news", "spacex"},
	}}
	cfg.Loop.ApprovalPolicy = "ask"

	b := bus.New()
	t.Cleanup(b.Close)
	resReg := results.New(time.Minute, time.Minute, 10)
	t.Cleanup(resReg.Close)

	search := &fakeSearch{}
	fetcher := &fakeFetcher{}
	toolReg := tools.NewRegistry()
	toolReg.Register(search)
	toolReg.Register(fetcher)
	runner := tools.NewRunner(toolReg, cfg.RoomPolicy)

	completer := &scriptedCompleter{responses: responses}
	sessions := session.NewManager(t.TempDir())
	agents := agent.NewRegistry(cfg)
	loop := agent.NewLoop(completer, runner, resReg, sessions, cfg.Loop)

	srv := gateway.New(gateway.Options{
		Cfg:     cfg,
		Bus:     b,
		Agents:  agents,
		Loop:    loop,
		Results: resReg,
		Runner:  runner,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{ts: ts, completer: completer, search: search, fetcher: fetcher}
}

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// wsc buffers frames skipped while waiting for a specific one, so a
// notification racing the RPC response is still observable afterwards.
type wsc struct {
	t       *testing.T
	ws      *websocket.Conn
	backlog []frame
	seq     int
}

func (s *stack) dial(t *testing.T) *wsc {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &wsc{t: t, ws: ws}
}

func (c *wsc) waitFor(what string, pred func(frame) bool) frame {
	c.t.Helper()
	for i, f := range c.backlog {
		if pred(f) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return f
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.t.Fatalf("read while waiting for %s: %v", what, err)
		}
		if pred(f) {
			return f
		}
		c.backlog = append(c.backlog, f)
	}
	c.t.Fatalf("timed out waiting for %s", what)
	return frame{}
}

func (c *wsc) call(method string, params any) frame {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("e2e-%d", c.seq)
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := c.ws.WriteJSON(req); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	return c.waitFor("response to "+method, func(f frame) bool {
		s, ok := f.ID.(string)
		return ok && s == id
	})
}

type completeParams struct {
	RoomID  string `json:"roomId"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	AuthorID        string `json:"authorId"`
	PendingApproval *struct {
		Tool string `json:"tool"`
		Func string `json:"func"`
		Hint string `json:"hint"`
	} `json:"pendingApproval"`
}

func (c *wsc) sendChat(roomID, content string) {
	c.t.Helper()
	resp := c.call("message.create", map[string]any{
		"roomId":  roomID,
		"message": map[string]any{"content": content},
	})
	if resp.Error != nil {
		c.t.Fatalf("message.create(%q) failed: %+v", content, resp.Error)
	}
}

func (c *wsc) nextComplete() completeParams {
	c.t.Helper()
	f := c.waitFor("message.complete", func(f frame) bool { return f.Method == "message.complete" })
	var p completeParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		c.t.Fatalf("bad complete params: %v", err)
	}
	return p
}

func TestApprovalFlowEndToEnd(t *testing.T) {
	st := newStack(t,
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"spacex"},"reason":"user wants latest spacex news"}`,
	)
	ws := st.dial(t)
	if resp := ws.call("room.join", map[string]any{"roomId": "r1", "userId": "alice"}); resp.Error != nil {
		t.Fatalf("join failed: %+v", resp.Error)
	}

	// Ask for news under ask-policy: the agent must come back with a
	// yes/no question and an un-executed pending approval.
	ws.sendChat("r1", "@ada get the latest SpaceX news")
	first := ws.nextComplete()
	if first.AuthorID != "ada" {
		t.Fatalf("unexpected author: %s", first.AuthorID)
	}
	if first.PendingApproval == nil || first.PendingApproval.Tool != "serpapi" {
		t.Fatalf("expected pending serpapi approval, got %+v", first.PendingApproval)
	}
	if !strings.Contains(first.Message.Content, "?") {
		t.Fatalf("expected a yes/no question, got %q", first.Message.Content)
	}
	if st.search.callCount() != 0 {
		t.Fatalf("search executed before approval: %d calls", st.search.callCount())
	}

	// Affirmative reply resumes the suspended call; no replanning, the
	// tool runs exactly once, and the reply is its markdown verbatim.
	plannerCalls := st.completer.callCount()
	ws.sendChat("r1", "yes")

	sr := ws.waitFor("search.results", func(f frame) bool { return f.Method == "search.results" })
	var srp struct {
		ResultID string         `json:"resultId"`
		Items    []results.Item `json:"items"`
	}
	if err := json.Unmarshal(sr.Params, &srp); err != nil {
		t.Fatalf("bad search.results params: %v", err)
	}
	if srp.ResultID == "" || len(srp.Items) != 3 {
		t.Fatalf("unexpected result push: %+v", srp)
	}

	second := ws.nextComplete()
	if second.Message.Content != newsMarkdown {
		t.Fatalf("expected tool markdown verbatim, got %q", second.Message.Content)
	}
	if st.search.callCount() != 1 {
		t.Fatalf("expected exactly one search execution, got %d", st.search.callCount())
	}
	if st.completer.callCount() != plannerCalls {
		t.Fatalf("planner re-invoked on approval resume")
	}

	// The pushed resultId stays addressable: pick #2 fetches item 2.
	resp := ws.call("scrape.pick", map[string]any{
		"roomId":   "r1",
		"resultId": srp.ResultID,
		"index":    2,
	})
	if resp.Error != nil {
		t.Fatalf("scrape.pick failed: %+v", resp.Error)
	}
	var pick struct {
		URL      string `json:"url"`
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(resp.Result, &pick); err != nil {
		t.Fatalf("bad pick result: %v", err)
	}
	if pick.URL != "https://news.example/booster" {
		t.Fatalf("picked wrong item: %+v", pick)
	}
}

func TestApprovalDenied(t *testing.T) {
	st := newStack(t,
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"spacex"},"reason":"news request"}`,
	)
	ws := st.dial(t)
	if resp := ws.call("room.join", map[string]any{"roomId": "r1", "userId": "alice"}); resp.Error != nil {
		t.Fatalf("join failed: %+v", resp.Error)
	}

	ws.sendChat("r1", "@ada get the latest SpaceX news")
	first := ws.nextComplete()
	if first.PendingApproval == nil {
		t.Fatal("expected a pending approval")
	}

	ws.sendChat("r1", "no")
	second := ws.nextComplete()
	if second.PendingApproval != nil {
		t.Fatalf("pending approval should be consumed, got %+v", second.PendingApproval)
	}
	if !strings.Contains(second.Message.Content, "won't run") {
		t.Fatalf("expected a decline acknowledgement, got %q", second.Message.Content)
	}
	if st.search.callCount() != 0 {
		t.Fatalf("search must not execute after a deny: %d calls", st.search.callCount())
	}
}

func TestOrdinalFollowUpSkipsPlanner(t *testing.T) {
	st := newStack(t,
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"spacex"},"reason":"news request"}`,
	)
	ws := st.dial(t)
	if resp := ws.call("room.join", map[string]any{"roomId": "r1", "userId": "alice"}); resp.Error != nil {
		t.Fatalf("join failed: %+v", resp.Error)
	}

	ws.sendChat("r1", "@ada get the latest SpaceX news")
	ws.nextComplete()
	ws.sendChat("r1", "yes")
	ws.waitFor("search.results", func(f frame) bool { return f.Method == "search.results" })
	ws.nextComplete()

	// "read #2" resolves against the latest result set without ever
	// consulting the completion service again.
	plannerCalls := st.completer.callCount()
	ws.sendChat("r1", "@ada read #2")
	reply := ws.nextComplete()
	if !strings.Contains(reply.Message.Content, "https://news.example/booster") {
		t.Fatalf("expected fetch of item 2, got %q", reply.Message.Content)
	}
	if st.completer.callCount() != plannerCalls {
		t.Fatal("planner consulted for an ordinal follow-up")
	}

	st.fetcher.mu.Lock()
	fetches := len(st.fetcher.calls)
	st.fetcher.mu.Unlock()
	if fetches != 1 {
		t.Fatalf("expected one fetch, got %d", fetches)
	}
}
