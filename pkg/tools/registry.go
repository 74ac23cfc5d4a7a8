package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/logger"
)

// Registry holds the registered tools and serves the capability catalog
// in registration order, which is also the resolver's tiebreak order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Catalog flattens every registered tool's functions, preserving
// registration order.
func (r *Registry) Catalog() []capability.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []capability.Entry
	for _, name := range r.order {
		out = append(out, r.tools[name].Catalog()...)
	}
	return out
}

// Execute dispatches one call. Unknown tools and panicking tools come
// back as error results, never as a crash.
func (r *Registry) Execute(ctx context.Context, tool, fn string, args map[string]any, tc ToolContext) (result *ToolResult) {
	t, ok := r.Get(tool)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", tool))
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("tools", "tool panicked", map[string]any{
				"tool":  tool,
				"func":  fn,
				"panic": fmt.Sprintf("%v", rec),
			})
			result = ErrorResult(fmt.Sprintf("%s.%s panicked: %v", tool, fn, rec))
		}
	}()

	start := time.Now()
	result = t.Execute(ctx, fn, args, tc)
	logger.DebugCF("tools", "executed", map[string]any{
		"tool":    tool,
		"func":    fn,
		"room_id": tc.RoomID,
		"took_ms": time.Since(start).Milliseconds(),
		"error":   result.IsError(),
	})
	return result
}
