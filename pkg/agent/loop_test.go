package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/config"
	"github.com/tinyland-inc/parley/pkg/providers/protocoltypes"
	"github.com/tinyland-inc/parley/pkg/results"
	"github.com/tinyland-inc/parley/pkg/session"
	"github.com/tinyland-inc/parley/pkg/tools"
)

type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (f *fakeCompleter) Chat(ctx context.Context, messages []protocoltypes.Message, defs []protocoltypes.ToolDefinition, model string, options map[string]any) (*protocoltypes.LLMResponse, error) {
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

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubTool struct {
	name    string
	entries []capability.Entry
	result  *tools.ToolResult
	calls   int
	mu      sync.Mutex
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Catalog() []capability.Entry { return s.entries }
func (s *stubTool) Execute(ctx context.Context, fn string, args map[string]any, tc tools.ToolContext) *tools.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	loop     *Loop
	comp     *fakeCompleter
	reg      *tools.Registry
	results  *results.Registry
	sessions *session.Manager
	profile  *Profile
}

func newFixture(t *testing.T, policy string, responses ...string) *fixture {
	t.Helper()
	comp := &fakeCompleter{responses: responses}
	reg := tools.NewRegistry()
	runner := tools.NewRunner(reg, func(string) string { return policy })
	res := results.New(time.Minute, time.Minute, 10)
	t.Cleanup(res.Close)
	sessions := session.NewManager(t.TempDir())

	loop := NewLoop(comp, runner, res, sessions, config.LoopConfig{MaxSteps: 6, TimeboxMs: 5000})
	return &fixture{
		loop:     loop,
		comp:     comp,
		reg:      reg,
		results:  res,
		sessions: sessions,
		profile:  &Profile{ID: "ada", Name: "Ada", Model: "claude-sonnet-4-5", MaxTokens: 1024},
	}
}

func serpapiStub(markdown string, items []results.Item) *stubTool {
	return &stubTool{
		name: "serpapi",
		entries: []capability.Entry{
			{Tool: "serpapi", Func: "google_news", Tags: []string{"search", "news"}, SideEffect: true},
		},
		result: &tools.ToolResult{ForLLM: "3 results", Markdown: markdown, Items: items},
	}
}

func TestRunWriteThenStop(t *testing.T) {
	f := newFixture(t, "auto",
		`{"type":"write","content":"Hello from Ada."}`,
		`{"type":"stop"}`,
	)
	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "say hi", Agent: f.profile})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != "Hello from Ada." {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(res.Steps))
	}
}

func TestRunNeverExceedsMaxSteps(t *testing.T) {
	f := newFixture(t, "auto", `{"type":"think","reason":"hmm"}`)
	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "ponder", Agent: f.profile})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Steps) > 6 {
		t.Errorf("steps = %d, exceeds max of 6", len(res.Steps))
	}
	if f.comp.callCount() > 6 {
		t.Errorf("planner invoked %d times", f.comp.callCount())
	}
	// graceful exhaustion, not a failure
	if res.Text == "" {
		t.Error("exhausted run must still produce text")
	}
}

func TestRunTimeboxEndsGracefully(t *testing.T) {
	comp := &fakeCompleter{responses: []string{`{"type":"think","reason":"hmm"}`}}
	reg := tools.NewRegistry()
	runner := tools.NewRunner(reg, func(string) string { return "auto" })
	res := results.New(time.Minute, time.Minute, 10)
	defer res.Close()
	sessions := session.NewManager(t.TempDir())
	loop := NewLoop(comp, runner, res, sessions, config.LoopConfig{MaxSteps: 20, TimeboxMs: 1})

	start := time.Now()
	out, err := loop.Run(context.Background(), Trigger{RoomID: "r1", Text: "x", Agent: &Profile{ID: "a", Name: "A", Model: "m", MaxTokens: 16}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("run blew far past its timebox")
	}
	if out.Text == "" {
		t.Error("timeboxed run must still produce text")
	}
}

func TestRunBudgetCapsClamped(t *testing.T) {
	loopCfg := config.LoopConfig{MaxSteps: 99, TimeboxMs: 10_000_000}
	l := NewLoop(&fakeCompleter{}, tools.NewRunner(tools.NewRegistry(), nil), nil, session.NewManager(t.TempDir()), loopCfg)
	if l.maxSteps != config.MaxStepsCap {
		t.Errorf("maxSteps = %d, want %d", l.maxSteps, config.MaxStepsCap)
	}
	if l.timebox != time.Duration(config.TimeboxMsCap)*time.Millisecond {
		t.Errorf("timebox = %s", l.timebox)
	}
}

func TestAskPolicyGatesThenResumes(t *testing.T) {
	f := newFixture(t, "ask",
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"spacex"},"reason":"user wants news"}`,
	)
	serpapi := serpapiStub("## SpaceX headlines\n1. Starship flies", nil)
	f.reg.Register(serpapi)

	trig := Trigger{RoomID: "r1", ConnID: "c1", UserID: "u1", Text: "Get the latest SpaceX news", Agent: f.profile}
	res, err := f.loop.Run(t.Context(), trig)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Pending == nil || res.Pending.Tool != "serpapi" || res.Pending.Func != "google_news" {
		t.Fatalf("pending = %+v", res.Pending)
	}
	if serpapi.callCount() != 0 {
		t.Fatal("tool executed despite ask policy")
	}
	if res.Text == "" || !strings.Contains(res.Text, "?") {
		t.Errorf("expected a yes/no question, got %q", res.Text)
	}

	// the affirmative reply resumes exactly the suspended call
	plannerCallsBefore := f.comp.callCount()
	res2, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", ConnID: "c1", UserID: "u1", Text: "yes", Agent: f.profile})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if serpapi.callCount() != 1 {
		t.Errorf("tool executed %d times, want exactly 1", serpapi.callCount())
	}
	if f.comp.callCount() != plannerCallsBefore {
		t.Error("resume must not re-invoke the planner")
	}
	if res2.Text != "## SpaceX headlines\n1. Starship flies" {
		t.Errorf("final text not the tool markdown verbatim: %q", res2.Text)
	}
}

func TestNegativeReplyCancelsPending(t *testing.T) {
	f := newFixture(t, "ask",
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"x"}}`,
	)
	serpapi := serpapiStub("md", nil)
	f.reg.Register(serpapi)

	trig := Trigger{RoomID: "r1", Text: "latest news on x", Agent: f.profile}
	if _, err := f.loop.Run(t.Context(), trig); err != nil {
		t.Fatal(err)
	}

	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "no", Agent: f.profile})
	if err != nil {
		t.Fatal(err)
	}
	if serpapi.callCount() != 0 {
		t.Error("tool executed after rejection")
	}
	if res.Pending != nil {
		t.Error("pending survived rejection")
	}

	// the pending fragment is consumed
	key := session.Key("r1", "ada")
	if p, _ := f.sessions.TakePending(key); p != nil {
		t.Errorf("pending still stored: %+v", p)
	}
}

func TestUnrelatedMessageSupersedesPending(t *testing.T) {
	f := newFixture(t, "ask",
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"x"}}`,
		`{"type":"write","content":"Goroutines are lightweight threads."}`,
		`{"type":"stop"}`,
	)
	serpapi := serpapiStub("md", nil)
	f.reg.Register(serpapi)

	if _, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "latest news on x", Agent: f.profile}); err != nil {
		t.Fatal(err)
	}

	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "actually, how do goroutines work?", Agent: f.profile})
	if err != nil {
		t.Fatal(err)
	}
	if serpapi.callCount() != 0 {
		t.Error("superseded approval must never execute")
	}
	if !strings.Contains(res.Text, "Goroutines") {
		t.Errorf("text = %q", res.Text)
	}
	key := session.Key("r1", "ada")
	if p, _ := f.sessions.TakePending(key); p != nil {
		t.Error("superseded pending still stored")
	}
}

func TestOrdinalShortcutSkipsPlanner(t *testing.T) {
	f := newFixture(t, "auto")
	scraper := &stubTool{
		name:    "scraper",
		entries: []capability.Entry{{Tool: "scraper", Func: "fetch", SideEffect: true}},
		result:  &tools.ToolResult{ForLLM: "article text", Markdown: "## Article\nbody"},
	}
	f.reg.Register(scraper)

	f.results.Create("r1", []results.Item{
		{URL: "https://example.com/1"},
		{URL: "https://example.com/2"},
	})

	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "read #2", Agent: f.profile})
	if err != nil {
		t.Fatal(err)
	}
	if f.comp.callCount() != 0 {
		t.Error("ordinal shortcut must bypass the planner")
	}
	if scraper.callCount() != 1 {
		t.Errorf("scraper calls = %d, want 1", scraper.callCount())
	}
	if res.Text != "## Article\nbody" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestOrdinalShortcutGatedUnderAsk(t *testing.T) {
	f := newFixture(t, "ask")
	scraper := &stubTool{
		name:    "scraper",
		entries: []capability.Entry{{Tool: "scraper", Func: "fetch", SideEffect: true}},
		result:  &tools.ToolResult{ForLLM: "text"},
	}
	f.reg.Register(scraper)
	f.results.Create("r1", []results.Item{{URL: "https://example.com/1"}})

	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "open #1", Agent: f.profile})
	if err != nil {
		t.Fatal(err)
	}
	if res.Pending == nil || res.Pending.Tool != "scraper" {
		t.Fatalf("pending = %+v", res.Pending)
	}
	if scraper.callCount() != 0 {
		t.Error("gated scrape executed")
	}
}

func TestToolErrorIsObservationNotFailure(t *testing.T) {
	f := newFixture(t, "auto",
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"x"}}`,
		`{"type":"write","content":"Sorry, the search is down right now."}`,
		`{"type":"stop"}`,
	)
	broken := &stubTool{
		name:    "serpapi",
		entries: []capability.Entry{{Tool: "serpapi", Func: "google_news", SideEffect: true}},
		result:  tools.ErrorResult("HTTP 500"),
	}
	f.reg.Register(broken)

	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "news about x please", Agent: f.profile})
	if err != nil {
		t.Fatalf("tool error must not fail the run: %v", err)
	}
	if !strings.Contains(res.Text, "Sorry") {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Steps) < 2 {
		t.Errorf("steps = %d, loop should continue past the error", len(res.Steps))
	}
	if !strings.Contains(res.Steps[0].Observation, "error") {
		t.Errorf("observation = %q", res.Steps[0].Observation)
	}
}

func TestEnumerableResultCreatesSet(t *testing.T) {
	f := newFixture(t, "auto",
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"spacex"}}`,
	)
	serpapi := serpapiStub("## Results\n1. one", []results.Item{
		{Title: "one", URL: "https://example.com/1"},
		{Title: "two", URL: "https://example.com/2"},
	})
	f.reg.Register(serpapi)

	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "spacex headlines", Agent: f.profile})
	if err != nil {
		t.Fatal(err)
	}
	if res.ResultSet == nil || len(res.ResultSet.Items) != 2 {
		t.Fatalf("result set = %+v", res.ResultSet)
	}
	item, lookupErr := f.results.Lookup(res.ResultSet.ID, 2)
	if lookupErr != nil || item.URL != "https://example.com/2" {
		t.Errorf("lookup = %+v, %v", item, lookupErr)
	}
}

func TestDuplicateNewsFetchAsksInstead(t *testing.T) {
	f := newFixture(t, "auto",
		`{"type":"tool","tool":"serpapi","func":"google_news","args":{"query":"spacex"}}`,
	)
	// no markdown and no items, so the run keeps planning after the fetch
	serpapi := &stubTool{
		name:    "serpapi",
		entries: []capability.Entry{{Tool: "serpapi", Func: "google_news", SideEffect: true}},
		result:  &tools.ToolResult{ForLLM: "5 headlines fetched"},
	}
	f.reg.Register(serpapi)

	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "latest spacex news", Agent: f.profile})
	if err != nil {
		t.Fatal(err)
	}
	if serpapi.callCount() != 1 {
		t.Errorf("fetches = %d, want exactly 1", serpapi.callCount())
	}
	if !strings.Contains(res.Text, "?") {
		t.Errorf("expected a clarifying question, got %q", res.Text)
	}
}

func TestMalformedPlannerOutputDegradesToWrite(t *testing.T) {
	f := newFixture(t, "auto", "Here's everything I know about rockets.")
	res, err := f.loop.Run(t.Context(), Trigger{RoomID: "r1", Text: "tell me about rockets", Agent: f.profile})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "rockets") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestConcurrentRunsBothComplete(t *testing.T) {
	f := newFixture(t, "auto",
		`{"type":"write","content":"Answer."}`,
		`{"type":"stop"}`,
	)

	var wg sync.WaitGroup
	outs := make([]*RunResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.loop.Run(context.Background(), Trigger{
				RoomID: "r1",
				UserID: []string{"u1", "u2"}[i],
				Text:   "question from user",
				Agent:  f.profile,
			})
			if err != nil {
				t.Errorf("run %d: %v", i, err)
				return
			}
			outs[i] = out
		}(i)
	}
	wg.Wait()

	for i, out := range outs {
		if out == nil || out.Text == "" {
			t.Errorf("run %d produced no output", i)
			continue
		}
		if out.RunID == "" {
			t.Errorf("run %d missing id", i)
		}
	}
	if outs[0] != nil && outs[1] != nil && outs[0].RunID == outs[1].RunID {
		t.Error("runs must be independent")
	}
}
