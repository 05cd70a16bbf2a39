// Package tool defines tool schemas, the source-ordered registry, and the
// dispatcher that routes parsed tool calls to their handlers.
package tool

import (
	"context"
	"sort"

	"github.com/convoke-dev/convoke/internal/provider"
)

// Source identifies where a tool definition came from. Resolution order is
// builtin, then plugin, then MCP; first match wins.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourcePlugin  Source = "plugin"
	SourceMCP     Source = "mcp"
)

// ParamSpec describes one parameter of a tool.
type ParamSpec struct {
	Type        string `json:"type"` // string, number, integer, boolean, array, object
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Handler executes a tool call with validated arguments and returns the
// payload fed back to the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Definition is a tool exposed to the model: schema plus handler binding.
type Definition struct {
	Name        string
	Description string
	Params      map[string]ParamSpec
	Source      Source
	// Origin is the plugin or MCP server that contributed the tool;
	// empty for builtins.
	Origin  string
	Handler Handler
}

// Schema converts the definition to the JSON-Schema form providers hand to
// the model.
func (d Definition) Schema() provider.ToolSchema {
	properties := make(map[string]any, len(d.Params))
	var required []string
	for name, spec := range d.Params {
		prop := map[string]any{"type": spec.Type}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if spec.Default != nil {
			prop["default"] = spec.Default
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}

	sort.Strings(required)

	parameters := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		parameters["required"] = required
	}

	return provider.ToolSchema{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  parameters,
	}
}
