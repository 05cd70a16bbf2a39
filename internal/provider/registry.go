package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the providers configured at startup. Registration happens
// once during runtime construction; afterwards the registry is read-only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Provider)}
}

// Register adds a provider. Registering the same name twice is a
// configuration error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider has empty name")
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("provider already registered: %s", name)
	}
	r.entries[name] = p
	return nil
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
