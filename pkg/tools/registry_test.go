package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/tinyland-inc/parley/pkg/capability"
)

type fakeTool struct {
	name    string
	entries []capability.Entry
	execute func(ctx context.Context, fn string, args map[string]any, tc ToolContext) *ToolResult
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Catalog() []capability.Entry { return f.entries }
func (f *fakeTool) Execute(ctx context.Context, fn string, args map[string]any, tc ToolContext) *ToolResult {
	return f.execute(ctx, fn, args, tc)
}

func TestRegistryCatalogOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "b", entries: []capability.Entry{{Tool: "b", Func: "one"}}})
	reg.Register(&fakeTool{name: "a", entries: []capability.Entry{{Tool: "a", Func: "one"}, {Tool: "a", Func: "two"}}})

	catalog := reg.Catalog()
	if len(catalog) != 3 {
		t.Fatalf("catalog = %d entries, want 3", len(catalog))
	}
	// registration order, not alphabetical
	if catalog[0].Tool != "b" || catalog[1].Tool != "a" {
		t.Errorf("catalog order = %v", catalog)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry()
	result := reg.Execute(t.Context(), "ghost", "fn", nil, ToolContext{})
	if !result.IsError() || !strings.Contains(result.Error, "unknown tool") {
		t.Errorf("result = %+v", result)
	}
}

func TestRegistryRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name: "boom",
		execute: func(context.Context, string, map[string]any, ToolContext) *ToolResult {
			panic("kaboom")
		},
	})
	result := reg.Execute(t.Context(), "boom", "fn", nil, ToolContext{})
	if !result.IsError() || !strings.Contains(result.Error, "kaboom") {
		t.Errorf("result = %+v", result)
	}
}

func TestRunnerGateAskPolicy(t *testing.T) {
	reg := NewRegistry()
	executed := 0
	reg.Register(&fakeTool{
		name: "serpapi",
		entries: []capability.Entry{
			{Tool: "serpapi", Func: "google_news", SideEffect: true},
		},
		execute: func(context.Context, string, map[string]any, ToolContext) *ToolResult {
			executed++
			return TextResult("ok")
		},
	})

	runner := NewRunner(reg, func(string) string { return "ask" })
	args := map[string]any{"query": "spacex"}

	result, pending := runner.Gate(t.Context(), "serpapi", "google_news", args, ToolContext{RoomID: "r1"})
	if result != nil {
		t.Fatal("gated call must not execute")
	}
	if pending == nil || pending.Tool != "serpapi" || pending.Func != "google_news" {
		t.Fatalf("pending = %+v", pending)
	}
	if executed != 0 {
		t.Fatal("tool executed despite ask policy")
	}

	// resuming runs exactly the suspended call, ungated
	resumed := runner.Run(t.Context(), pending.Tool, pending.Func, pending.Args, ToolContext{RoomID: "r1"})
	if resumed.ForLLM != "ok" || executed != 1 {
		t.Errorf("resume: result=%+v executed=%d", resumed, executed)
	}
}

func TestRunnerGateAutoPolicy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name: "serpapi",
		entries: []capability.Entry{
			{Tool: "serpapi", Func: "google_news", SideEffect: true},
		},
		execute: func(context.Context, string, map[string]any, ToolContext) *ToolResult {
			return TextResult("ok")
		},
	})

	runner := NewRunner(reg, func(string) string { return "auto" })
	result, pending := runner.Gate(t.Context(), "serpapi", "google_news", nil, ToolContext{RoomID: "r1"})
	if pending != nil {
		t.Fatalf("auto policy must not gate: %+v", pending)
	}
	if result == nil || result.ForLLM != "ok" {
		t.Errorf("result = %+v", result)
	}
}

func TestRunnerAlwaysAskEntries(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name: "exec",
		entries: []capability.Entry{
			{Tool: "exec", Func: "run", SideEffect: true, Approval: "ask"},
		},
		execute: func(context.Context, string, map[string]any, ToolContext) *ToolResult {
			return TextResult("ran")
		},
	})

	// even under an auto room policy, "ask" catalog entries stay gated
	runner := NewRunner(reg, func(string) string { return "auto" })
	if !runner.NeedsApproval("r1", "exec", "run") {
		t.Error("exec.run must always need approval")
	}
}

func TestRunnerReadOnlyNeverGated(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name:    "clock",
		entries: []capability.Entry{{Tool: "clock", Func: "now"}},
		execute: func(context.Context, string, map[string]any, ToolContext) *ToolResult {
			return TextResult("noon")
		},
	})

	runner := NewRunner(reg, func(string) string { return "ask" })
	if runner.NeedsApproval("r1", "clock", "now") {
		t.Error("read-only function must not need approval")
	}
}
