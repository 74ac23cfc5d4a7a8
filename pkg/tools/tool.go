// Package tools dispatches agent tool calls to their external
// collaborators behind a uniform execute contract.
package tools

import (
	"context"

	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/results"
)

// ToolContext carries who is calling from where.
type ToolContext struct {
	RoomID  string
	ConnID  string
	AgentID string
}

// ToolResult is the uniform outcome of one tool execution.
type ToolResult struct {
	// ForLLM is the observation text folded into the planning scratchpad.
	ForLLM string
	// Markdown, when set, is ready-to-display output emitted to the room
	// verbatim.
	Markdown string
	// Items carries enumerable output destined for the result registry.
	Items []results.Item
	// Error is a caught execution failure, surfaced as an observation.
	Error string
	// Silent suppresses any user-visible output for this result.
	Silent bool
}

func (r *ToolResult) IsError() bool {
	return r != nil && r.Error != ""
}

func TextResult(text string) *ToolResult {
	return &ToolResult{ForLLM: text}
}

func MarkdownResult(forLLM, markdown string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Markdown: markdown}
}

func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Error: msg}
}

func SilentResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, Silent: true}
}

// Tool is one family of invocable functions (serpapi, scraper, exec, ...).
type Tool interface {
	Name() string
	// Catalog lists this tool's functions as capability entries, in a
	// stable order.
	Catalog() []capability.Entry
	Execute(ctx context.Context, fn string, args map[string]any, tc ToolContext) *ToolResult
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
