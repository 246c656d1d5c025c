package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an Executor of a particular type.
type Factory func(cfg Config, deps Deps) (Executor, error)

// Registry maps agent type names to factories. Registries are explicit
// values handed to the components that need them; there is no package-level
// instance.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// WorkerType is the built-in agent type backed by Agent.
const WorkerType = "worker"

// NewRegistry returns a registry with the built-in worker type registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories[WorkerType] = func(cfg Config, deps Deps) (Executor, error) {
		return NewAgent(cfg, deps)
	}
	return r
}

// Register adds a factory under a type name. Duplicate names are rejected.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("agent type registration requires a name and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("agent type %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New instantiates an executor of the named type.
func (r *Registry) New(typeName string, cfg Config, deps Deps) (Executor, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", typeName)
	}
	return f(cfg, deps)
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
