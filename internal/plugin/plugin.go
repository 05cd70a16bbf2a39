// Package plugin defines the plugin contract and the registry that wires
// plugin capabilities into the runtime. A plugin supplies a name, a
// version, a set of tool definitions, and hooks bound to lifecycle points;
// the core never inspects anything beyond this surface.
package plugin

import (
	"fmt"

	"github.com/convoke-dev/convoke/internal/hooks"
	"github.com/convoke-dev/convoke/internal/tool"
)

// Plugin is the capability set a plugin exposes to the runtime.
type Plugin struct {
	Name    string
	Version string

	// Tools maps tool name to its definition.
	Tools map[string]tool.Definition

	// Hooks maps lifecycle points to the hooks to run there, in order.
	Hooks map[hooks.Point][]hooks.Hook
}

// Validate checks the plugin's shape. Malformed plugins are rejected at
// registration with a clear error rather than failing later at invocation.
func (p Plugin) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plugin has no name")
	}

	for name, def := range p.Tools {
		if name == "" {
			return fmt.Errorf("plugin %s: tool with empty name", p.Name)
		}
		if def.Name != "" && def.Name != name {
			return fmt.Errorf("plugin %s: tool registered as %q but defined as %q", p.Name, name, def.Name)
		}
		if def.Handler == nil {
			return fmt.Errorf("plugin %s: tool %q has no handler", p.Name, name)
		}
	}

	for point, chain := range p.Hooks {
		if !point.Valid() {
			return fmt.Errorf("plugin %s: unknown hook point %q", p.Name, point)
		}
		for _, h := range chain {
			if h.Fn == nil {
				return fmt.Errorf("plugin %s: hook %q at %s has no function", p.Name, h.Name, point)
			}
		}
	}

	return nil
}
