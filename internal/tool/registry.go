package tool

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/provider"
)

// resolutionOrder is the dispatch precedence between sources.
var resolutionOrder = []Source{SourceBuiltin, SourcePlugin, SourceMCP}

// Registry manages the active tool set. A name may exist in several
// sources; resolution picks the first match in builtin, plugin, MCP
// order, and every collision records a shadowing warning at registration
// time. Within one source the last-registered definition wins.
type Registry struct {
	mu       sync.RWMutex
	tools    map[Source]map[string]Definition
	warnings []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	tools := make(map[Source]map[string]Definition, len(resolutionOrder))
	for _, src := range resolutionOrder {
		tools[src] = make(map[string]Definition)
	}
	return &Registry{tools: tools}
}

// Register adds a tool definition to its source's table.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	if _, ok := r.tools[def.Source]; !ok {
		return fmt.Errorf("tool %q has unknown source %q", def.Name, def.Source)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, src := range resolutionOrder {
		if existing, ok := r.tools[src][def.Name]; ok {
			r.warn(def, existing)
		}
	}
	r.tools[def.Source][def.Name] = def
	return nil
}

// warn records a shadowing warning. Caller holds the lock.
func (r *Registry) warn(incoming, existing Definition) {
	w := fmt.Sprintf("tool %q from %s/%s shadows %s/%s",
		incoming.Name, incoming.Source, incoming.Origin, existing.Source, existing.Origin)
	r.warnings = append(r.warnings, w)
	log.Logger().Warn("tool name collision",
		zap.String("tool", incoming.Name),
		zap.String("source", string(incoming.Source)),
		zap.String("origin", incoming.Origin),
		zap.String("shadows", string(existing.Source)))
}

// Resolve returns the definition dispatch would use for a name.
func (r *Registry) Resolve(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, src := range resolutionOrder {
		if def, ok := r.tools[src][name]; ok {
			return def, true
		}
	}
	return Definition{}, false
}

// RemoveOrigin drops every tool a given origin contributed, e.g. when an
// MCP server disconnects or crashes.
func (r *Registry) RemoveOrigin(source Source, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.tools[source]
	for name, def := range table {
		if def.Origin == origin {
			delete(table, name)
		}
	}
}

// Definitions returns the effective tool set in resolution order: one
// definition per name, shadowed entries excluded, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make(map[string]bool)
	var defs []Definition
	for _, src := range resolutionOrder {
		for name, def := range r.tools[src] {
			if names[name] {
				continue
			}
			names[name] = true
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Schemas returns the provider-facing schemas for the effective tool set.
func (r *Registry) Schemas() []provider.ToolSchema {
	defs := r.Definitions()
	schemas := make([]provider.ToolSchema, 0, len(defs))
	for _, def := range defs {
		schemas = append(schemas, def.Schema())
	}
	return schemas
}

// Warnings returns the shadowing warnings recorded so far.
func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}
