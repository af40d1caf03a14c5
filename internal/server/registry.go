package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MethodFunc implements one callable module method.
type MethodFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps module and method names to their implementations.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]map[string]MethodFunc
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]map[string]MethodFunc)}
}

// Register adds or replaces module.method.
func (r *Registry) Register(module, method string, fn MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modules[module] == nil {
		r.modules[module] = make(map[string]MethodFunc)
	}
	r.modules[module][method] = fn
}

// Lookup returns the method, or an error naming what is missing.
func (r *Registry) Lookup(module, method string) (MethodFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods, ok := r.modules[module]
	if !ok {
		return nil, fmt.Errorf("module %q not found", module)
	}
	fn, ok := methods[method]
	if !ok {
		return nil, fmt.Errorf("method %q not found on module %q", method, module)
	}
	return fn, nil
}

// Modules lists registered module names in sorted order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
