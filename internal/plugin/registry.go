package plugin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/hooks"
	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/tool"
)

// Registry loads plugins and wires their capabilities into the hook
// pipeline and tool registry. Load order is preserved: it determines both
// hook execution order and which tool wins a name collision.
type Registry struct {
	pipeline *hooks.Pipeline
	tools    *tool.Registry

	mu     sync.RWMutex
	loaded []Plugin
	byName map[string]int
}

// NewRegistry creates a plugin registry wiring into the given pipeline and
// tool registry.
func NewRegistry(pipeline *hooks.Pipeline, tools *tool.Registry) *Registry {
	return &Registry{
		pipeline: pipeline,
		tools:    tools,
		byName:   make(map[string]int),
	}
}

// Register validates and loads a plugin. Validation failures reject the
// whole plugin: nothing is partially wired.
func (r *Registry) Register(p Plugin) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("plugin rejected: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[p.Name]; ok {
		return fmt.Errorf("plugin already loaded: %s", p.Name)
	}

	// Tool names are registered in sorted order so collision warnings
	// are deterministic; the effective winner is still last-registered.
	toolNames := make([]string, 0, len(p.Tools))
	for name := range p.Tools {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)

	for _, name := range toolNames {
		def := p.Tools[name]
		def.Name = name
		def.Source = tool.SourcePlugin
		def.Origin = p.Name
		if err := r.tools.Register(def); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name, err)
		}
	}

	for _, point := range hooks.Points {
		for _, h := range p.Hooks[point] {
			if h.Name == "" {
				h.Name = p.Name
			}
			if err := r.pipeline.Register(point, h); err != nil {
				return fmt.Errorf("plugin %s: %w", p.Name, err)
			}
		}
	}

	r.byName[p.Name] = len(r.loaded)
	r.loaded = append(r.loaded, p)

	log.Logger().Info("plugin loaded",
		zap.String("plugin", p.Name),
		zap.String("version", p.Version),
		zap.Int("tools", len(p.Tools)))

	return nil
}

// Plugins returns the loaded plugins in load order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.loaded))
	copy(out, r.loaded)
	return out
}

// Get returns a loaded plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return Plugin{}, false
	}
	return r.loaded[idx], true
}
