package tools

import (
	"context"
	"fmt"

	"github.com/tinyland-inc/parley/pkg/capability"
)

// PendingApproval is a suspended tool invocation waiting for a yes/no
// reply. It is handed back verbatim on the next turn to resume exactly
// the gated call.
type PendingApproval struct {
	Tool string         `json:"tool"`
	Func string         `json:"func"`
	Args map[string]any `json:"args,omitempty"`
	Hint string         `json:"hint"`
}

// Runner gates side-effecting calls behind the room's approval policy
// and dispatches the rest straight to the registry.
type Runner struct {
	registry *Registry
	// policyFor resolves the effective approval policy for a room:
	// "auto" or "ask".
	policyFor func(roomID string) string
}

func NewRunner(registry *Registry, policyFor func(roomID string) string) *Runner {
	if policyFor == nil {
		policyFor = func(string) string { return "ask" }
	}
	return &Runner{registry: registry, policyFor: policyFor}
}

func (r *Runner) Registry() *Registry {
	return r.registry
}

// NeedsApproval reports whether this call must be confirmed before it
// runs. Non-side-effecting functions never need approval; side-effecting
// ones do under an "ask" room policy or an "ask" catalog entry.
func (r *Runner) NeedsApproval(roomID, tool, fn string) bool {
	entry, ok := capability.Find(r.registry.Catalog(), tool, fn)
	if !ok || !entry.SideEffect {
		return false
	}
	if entry.Approval == "ask" {
		return true
	}
	return r.policyFor(roomID) == "ask"
}

// Gate either executes the call or returns a PendingApproval that the
// decision loop must surface as a yes/no question.
func (r *Runner) Gate(ctx context.Context, tool, fn string, args map[string]any, tc ToolContext) (*ToolResult, *PendingApproval) {
	if r.NeedsApproval(tc.RoomID, tool, fn) {
		return nil, &PendingApproval{
			Tool: tool,
			Func: fn,
			Args: args,
			Hint: approvalHint(tool, fn, args),
		}
	}
	return r.Run(ctx, tool, fn, args, tc), nil
}

// Run executes unconditionally. Callers resuming an approved
// PendingApproval use this directly so the approved call is never
// re-gated or re-planned.
func (r *Runner) Run(ctx context.Context, tool, fn string, args map[string]any, tc ToolContext) *ToolResult {
	return r.registry.Execute(ctx, tool, fn, args, tc)
}

func approvalHint(tool, fn string, args map[string]any) string {
	switch {
	case tool == "exec":
		return fmt.Sprintf("Run the shell command %q?", stringArg(args, "command"))
	case tool == "social":
		return fmt.Sprintf("Post this to %s?", fn)
	case fn == "google_news" || fn == "google_search":
		return fmt.Sprintf("Search for %q?", stringArg(args, "query"))
	default:
		return fmt.Sprintf("Run %s.%s?", tool, fn)
	}
}
