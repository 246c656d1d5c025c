// Package tool defines the named-capability interface agents invoke during
// step execution, and an explicit registry that replaces global tool state.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a named capability. Execute is always invoked under the owning
// agent's per-resource lock for the tool's name, so implementations do not
// need their own serialization against sibling calls on the same agent.
type Tool interface {
	Name() string
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Func adapts a plain function to the Tool interface.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, input map[string]any) (any, error)
}

// Name returns the tool name.
func (f Func) Name() string { return f.ToolName }

// Execute calls the wrapped function.
func (f Func) Execute(ctx context.Context, input map[string]any) (any, error) {
	return f.Fn(ctx, input)
}

// Registry is an explicit tool collection handed to whoever needs it.
// Constructed once at process start; safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry pre-populated with the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
