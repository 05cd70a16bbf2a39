// Package core drives a conversation from prompt to completion: the
// session state machine, the tool-call loop, and the runtime context
// that wires every component together.
package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/convoke-dev/convoke/internal/config"
	"github.com/convoke-dev/convoke/internal/hooks"
	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/mcp"
	"github.com/convoke-dev/convoke/internal/plugin"
	"github.com/convoke-dev/convoke/internal/provider"
	"github.com/convoke-dev/convoke/internal/provider/anthropic"
	"github.com/convoke-dev/convoke/internal/provider/google"
	"github.com/convoke-dev/convoke/internal/provider/openai"
	"github.com/convoke-dev/convoke/internal/session"
	"github.com/convoke-dev/convoke/internal/tool"
	"github.com/convoke-dev/convoke/internal/tool/builtin"
)

// Runtime is the process-wide context object: configuration plus every
// registry, created once at startup and injected into components. No
// component reaches for ambient globals.
type Runtime struct {
	Config    *config.Config
	Providers *provider.Registry
	Tools     *tool.Registry
	MCP       *mcp.Registry
	Plugins   *plugin.Registry
	Hooks     *hooks.Pipeline
	Store     *session.Store
}

// NewRuntime wires a runtime from configuration: builtin tools, provider
// adapters for each configured backend, the plugin registry, and the MCP
// server registry. MCP servers are connected here so their tools are
// available before the first prompt.
func NewRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	store, err := session.NewStore(cfg.SessionDir)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	tools := tool.NewRegistry()
	for _, def := range []tool.Definition{builtin.WebFetch(), builtin.FileGlob()} {
		if err := tools.Register(def); err != nil {
			return nil, fmt.Errorf("register builtin %s: %w", def.Name, err)
		}
	}

	pipeline := hooks.NewPipeline()

	rt := &Runtime{
		Config:    cfg,
		Providers: provider.NewRegistry(),
		Tools:     tools,
		MCP:       mcp.NewRegistry(tools),
		Plugins:   plugin.NewRegistry(pipeline, tools),
		Hooks:     pipeline,
		Store:     store,
	}

	if err := rt.registerProviders(ctx); err != nil {
		return nil, err
	}
	rt.connectServers(ctx)

	return rt, nil
}

// registerProviders wires one adapter per configured backend. Anthropic
// and OpenAI are always registered since their SDKs resolve credentials
// from the environment; Google needs an explicit key.
func (rt *Runtime) registerProviders(ctx context.Context) error {
	ac := rt.Config.Providers["anthropic"]
	if err := rt.Providers.Register(anthropic.New(ac.APIKey, ac.BaseURL)); err != nil {
		return err
	}

	oc := rt.Config.Providers["openai"]
	if err := rt.Providers.Register(openai.New(oc.APIKey, oc.BaseURL)); err != nil {
		return err
	}

	if gc := rt.Config.Providers["google"]; gc.APIKey != "" {
		gp, err := google.New(ctx, gc.APIKey)
		if err != nil {
			log.Logger().Warn("google provider unavailable", zap.Error(err))
		} else if err := rt.Providers.Register(gp); err != nil {
			return err
		}
	}
	return nil
}

// connectServers connects every enabled MCP server. A server that fails
// to connect is logged and skipped; its tools simply stay absent.
func (rt *Runtime) connectServers(ctx context.Context) {
	for name, sc := range rt.Config.MCPServers {
		if sc.Disabled {
			continue
		}
		spec := mcp.ServerSpec{
			Name:      name,
			Transport: sc.Transport,
			Command:   sc.Command,
			Args:      sc.Args,
			Env:       sc.Env,
			URL:       sc.URL,
			Headers:   sc.Headers,
		}
		if err := rt.MCP.Connect(ctx, spec); err != nil {
			log.Logger().Warn("tool server connect failed",
				zap.String("server", name), zap.Error(err))
		}
	}
}

// Close tears the runtime down: disconnects tool servers and flushes
// logs. Safe to call once at process exit.
func (rt *Runtime) Close() {
	rt.MCP.Close()
	_ = log.Sync()
}
