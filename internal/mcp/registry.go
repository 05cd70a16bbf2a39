// Package mcp connects to external tool servers over the Model Context
// Protocol and proxies their tools into the tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/mcp/transport"
	"github.com/convoke-dev/convoke/internal/tool"
)

type server struct {
	spec   ServerSpec
	client *Client
	state  ServerState
	tools  []Tool
}

// Registry manages the lifecycle of configured tool servers and keeps
// their tools registered in the tool registry under the mcp source.
type Registry struct {
	mu      sync.Mutex
	servers map[string]*server
	tools   *tool.Registry
}

// NewRegistry creates a server registry that proxies tools into reg.
func NewRegistry(reg *tool.Registry) *Registry {
	return &Registry{
		servers: make(map[string]*server),
		tools:   reg,
	}
}

func newTransport(spec ServerSpec) (transport.Transport, error) {
	switch spec.Transport {
	case "stdio", "":
		if spec.Command == "" {
			return nil, fmt.Errorf("server %s: stdio transport needs a command", spec.Name)
		}
		return transport.NewStdio(transport.StdioConfig{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
		}), nil
	case "http":
		if spec.URL == "" {
			return nil, fmt.Errorf("server %s: http transport needs a url", spec.Name)
		}
		return transport.NewHTTP(transport.HTTPConfig{URL: spec.URL, Headers: spec.Headers}), nil
	case "sse":
		if spec.URL == "" {
			return nil, fmt.Errorf("server %s: sse transport needs a url", spec.Name)
		}
		return transport.NewSSE(transport.SSEConfig{URL: spec.URL, Headers: spec.Headers}), nil
	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", spec.Name, spec.Transport)
	}
}

// Connect establishes a connection to the server, runs the handshake,
// and registers its tools. A server that is already connected is
// reconnected from scratch.
func (r *Registry) Connect(ctx context.Context, spec ServerSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("server spec is missing a name")
	}

	r.mu.Lock()
	if existing, ok := r.servers[spec.Name]; ok && existing.client != nil {
		existing.client.Close()
		r.tools.RemoveOrigin(tool.SourceMCP, spec.Name)
	}
	srv := &server{spec: spec, state: StateStarting}
	r.servers[spec.Name] = srv
	r.mu.Unlock()

	t, err := newTransport(spec)
	if err != nil {
		r.setState(spec.Name, StateStopped)
		return err
	}

	client := NewClient(spec.Name, t)
	client.OnToolsChanged(func() {
		go func() {
			if err := r.Reload(context.Background(), spec.Name); err != nil {
				log.Logger().Warn("tool list refresh failed",
					zap.String("server", spec.Name), zap.Error(err))
			}
		}()
	})

	if err := client.Connect(ctx); err != nil {
		r.setState(spec.Name, StateCrashed)
		return fmt.Errorf("connect %s: %w", spec.Name, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		r.setState(spec.Name, StateCrashed)
		return fmt.Errorf("list tools on %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	srv.client = client
	srv.state = StateReady
	srv.tools = tools
	r.mu.Unlock()

	r.registerTools(spec.Name, tools)

	log.Logger().Info("tool server connected",
		zap.String("server", spec.Name),
		zap.Int("tools", len(tools)))
	return nil
}

// registerTools replaces the server's entries in the tool registry.
func (r *Registry) registerTools(serverName string, tools []Tool) {
	r.tools.RemoveOrigin(tool.SourceMCP, serverName)
	for _, t := range tools {
		def := tool.Definition{
			Name:        t.Name,
			Description: t.Description,
			Params:      paramsFromSchema(t.InputSchema),
			Source:      tool.SourceMCP,
			Origin:      serverName,
			Handler:     r.handlerFor(serverName, t.Name),
		}
		if err := r.tools.Register(def); err != nil {
			log.Logger().Warn("tool registration failed",
				zap.String("server", serverName),
				zap.String("tool", t.Name), zap.Error(err))
		}
	}
}

func (r *Registry) handlerFor(serverName, toolName string) tool.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		return r.Invoke(ctx, serverName, toolName, args)
	}
}

// Invoke calls a tool on the named server. A server that is not ready,
// or whose transport has died, yields a ServerUnavailableError; a dead
// transport also moves the server to the crashed state.
func (r *Registry) Invoke(ctx context.Context, serverName, toolName string, args map[string]any) (string, error) {
	r.mu.Lock()
	srv, ok := r.servers[serverName]
	if !ok || srv.state != StateReady || srv.client == nil {
		r.mu.Unlock()
		return "", &tool.ServerUnavailableError{Server: serverName}
	}
	client := srv.client
	r.mu.Unlock()

	if !client.Alive() {
		r.markCrashed(serverName)
		return "", &tool.ServerUnavailableError{Server: serverName}
	}

	result, err := client.CallTool(ctx, toolName, args)
	if err != nil && !client.Alive() {
		r.markCrashed(serverName)
		return "", &tool.ServerUnavailableError{Server: serverName}
	}
	return result, err
}

func (r *Registry) markCrashed(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[serverName]
	if !ok {
		return
	}
	srv.state = StateCrashed
	log.Logger().Warn("tool server crashed", zap.String("server", serverName))
}

func (r *Registry) setState(serverName string, state ServerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if srv, ok := r.servers[serverName]; ok {
		srv.state = state
	}
}

// Reload re-fetches the server's tool list and refreshes its registry
// entries. Used for the tools/list_changed notification.
func (r *Registry) Reload(ctx context.Context, serverName string) error {
	r.mu.Lock()
	srv, ok := r.servers[serverName]
	if !ok || srv.state != StateReady || srv.client == nil {
		r.mu.Unlock()
		return &tool.ServerUnavailableError{Server: serverName}
	}
	client := srv.client
	r.mu.Unlock()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("reload %s: %w", serverName, err)
	}

	r.mu.Lock()
	srv.tools = tools
	r.mu.Unlock()

	r.registerTools(serverName, tools)
	return nil
}

// Disconnect closes the connection and removes the server's tools.
func (r *Registry) Disconnect(serverName string) error {
	r.mu.Lock()
	srv, ok := r.servers[serverName]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown server: %s", serverName)
	}
	client := srv.client
	srv.client = nil
	srv.state = StateStopped
	srv.tools = nil
	r.mu.Unlock()

	r.tools.RemoveOrigin(tool.SourceMCP, serverName)

	if client != nil {
		return client.Close()
	}
	return nil
}

// Ping checks liveness of a connected server.
func (r *Registry) Ping(ctx context.Context, serverName string) error {
	r.mu.Lock()
	srv, ok := r.servers[serverName]
	if !ok || srv.state != StateReady || srv.client == nil {
		r.mu.Unlock()
		return &tool.ServerUnavailableError{Server: serverName}
	}
	client := srv.client
	r.mu.Unlock()

	if err := client.Ping(ctx); err != nil {
		if !client.Alive() {
			r.markCrashed(serverName)
		}
		return err
	}
	return nil
}

// ServerStatus is a point-in-time view of one server.
type ServerStatus struct {
	Name  string
	State ServerState
	Tools int
}

// Status lists every known server sorted by name.
func (r *Registry) Status() []ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServerStatus, 0, len(r.servers))
	for name, srv := range r.servers {
		out = append(out, ServerStatus{Name: name, State: srv.state, Tools: len(srv.tools)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close disconnects every server.
func (r *Registry) Close() {
	r.mu.Lock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Disconnect(name)
	}
}

// paramsFromSchema converts a JSON-Schema object into parameter specs.
// Unknown or unparseable schemas come back empty, which means arguments
// pass through unvalidated.
func paramsFromSchema(raw json.RawMessage) map[string]tool.ParamSpec {
	if len(raw) == 0 {
		return nil
	}

	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Default     any    `json:"default"`
			Enum        []any  `json:"enum"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	params := make(map[string]tool.ParamSpec, len(schema.Properties))
	for name, prop := range schema.Properties {
		params[name] = tool.ParamSpec{
			Type:        prop.Type,
			Description: prop.Description,
			Required:    required[name],
			Default:     prop.Default,
			Enum:        prop.Enum,
		}
	}
	return params
}
