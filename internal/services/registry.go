// Package services provides the host service registry consumed by load
// scripts. Handles are registered once at startup and resolved into a run's
// script context by binding name, so scripts never perform lookups by
// class name at evaluation time.
package services

import (
	"fmt"
	"sort"
	"sync"
)

// Handle is a capability exposed to load scripts. Every invocation crosses
// a Result-style boundary: the error return is what the script engine
// converts into a failure event.
type Handle interface {
	// Methods returns the operation names the handle exposes.
	Methods() []string

	// Invoke calls the named operation with the given arguments.
	Invoke(method string, args []any) (any, error)
}

// Registry holds all registered service handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register adds a handle to the registry.
// Panics if a handle with the same name is already registered.
func (r *Registry) Register(name string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[name]; exists {
		panic(fmt.Sprintf("service %q already registered", name))
	}
	r.handles[name] = h
}

// Resolve retrieves a handle by name.
func (r *Registry) Resolve(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[name]
	return h, ok
}

// Available returns a sorted list of registered service names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FuncHandle adapts a map of Go functions into a Handle.
type FuncHandle map[string]func(args []any) (any, error)

// Methods returns the operation names, sorted.
func (h FuncHandle) Methods() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the named function.
func (h FuncHandle) Invoke(method string, args []any) (any, error) {
	fn, ok := h[method]
	if !ok {
		return nil, fmt.Errorf("unknown method: %s", method)
	}
	return fn(args)
}
