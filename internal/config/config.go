// Package config loads orchestrator configuration from YAML files.
// Settings are merged from two sources, lowest priority first:
//  1. ~/.convoke/config.yaml (user level)
//  2. .convoke/config.yaml (project level)
//
// A .env file in the working directory is loaded before either, so
// ${VAR} references and API keys resolve from it. Configuration is read
// once and cached; changes on disk take effect only through Reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderConfig holds credentials and endpoint overrides for one
// model provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// ServerConfig describes one MCP tool server, keyed by name in the
// config file.
type ServerConfig struct {
	Transport string            `yaml:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Disabled  bool              `yaml:"disabled,omitempty"`
}

// Duration wraps time.Duration so YAML values can be written as "500ms"
// or "30s" rather than nanosecond integers.
type Duration time.Duration

// UnmarshalYAML parses a duration string; bare integers are nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		var ns int64
		if err := node.Decode(&ns); err != nil {
			return fmt.Errorf("invalid duration %q", node.Value)
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig tunes provider retry behavior.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts,omitempty"`
	InitialDelay Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `yaml:"max_delay,omitempty"`
}

// LoopConfig bounds the tool-calling loop.
type LoopConfig struct {
	// MaxToolRounds caps assistant tool rounds within one turn.
	MaxToolRounds int `yaml:"max_tool_rounds,omitempty"`
	// ToolConcurrency caps parallel tool executions per round.
	ToolConcurrency int `yaml:"tool_concurrency,omitempty"`
}

// Config is the complete orchestrator configuration.
type Config struct {
	Provider  string `yaml:"provider,omitempty"`
	Model     string `yaml:"model,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
	// Agent names the system-prompt profile sessions start with.
	Agent     string                    `yaml:"agent,omitempty"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	// Plugins lists enabled plugin names; plugins not listed stay
	// unloaded even when compiled in.
	Plugins    []string                `yaml:"plugins,omitempty"`
	MCPServers map[string]ServerConfig `yaml:"mcp_servers,omitempty"`
	Retry      RetryConfig             `yaml:"retry,omitempty"`
	Loop       LoopConfig              `yaml:"loop,omitempty"`
	// SessionDir overrides where session files live.
	SessionDir string `yaml:"session_dir,omitempty"`
}

// Default returns the built-in defaults applied under any file settings.
func Default() *Config {
	return &Config{
		Provider: "anthropic",
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(30 * time.Second),
		},
		Loop: LoopConfig{
			MaxToolRounds:   8,
			ToolConcurrency: 4,
		},
		Providers: map[string]ProviderConfig{},
	}
}

// Loader reads and merges configuration files.
type Loader struct {
	userDir    string
	projectDir string
}

// NewLoader creates a loader with the default directories.
func NewLoader() *Loader {
	homeDir, _ := os.UserHomeDir()
	return &Loader{
		userDir:    filepath.Join(homeDir, ".convoke"),
		projectDir: ".convoke",
	}
}

// NewLoaderWithDirs creates a loader with custom directories.
func NewLoaderWithDirs(userDir, projectDir string) *Loader {
	return &Loader{userDir: userDir, projectDir: projectDir}
}

// Load reads and merges all configuration sources.
func (l *Loader) Load() (*Config, error) {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()
	sources := []string{
		filepath.Join(l.userDir, "config.yaml"),
		filepath.Join(l.projectDir, "config.yaml"),
	}

	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		var layer Config
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse %s: %w", src, err)
		}
		merge(cfg, &layer)
	}

	applyEnv(cfg)
	return cfg, nil
}

// merge overlays non-zero fields of layer onto cfg. Server lists are
// merged by name, with the layer winning.
func merge(cfg, layer *Config) {
	if layer.Provider != "" {
		cfg.Provider = layer.Provider
	}
	if layer.Model != "" {
		cfg.Model = layer.Model
	}
	if layer.Agent != "" {
		cfg.Agent = layer.Agent
	}
	if len(layer.Plugins) > 0 {
		cfg.Plugins = layer.Plugins
	}
	if layer.MaxTokens > 0 {
		cfg.MaxTokens = layer.MaxTokens
	}
	if layer.SessionDir != "" {
		cfg.SessionDir = layer.SessionDir
	}
	if layer.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = layer.Retry.MaxAttempts
	}
	if layer.Retry.InitialDelay > 0 {
		cfg.Retry.InitialDelay = layer.Retry.InitialDelay
	}
	if layer.Retry.MaxDelay > 0 {
		cfg.Retry.MaxDelay = layer.Retry.MaxDelay
	}
	if layer.Loop.MaxToolRounds > 0 {
		cfg.Loop.MaxToolRounds = layer.Loop.MaxToolRounds
	}
	if layer.Loop.ToolConcurrency > 0 {
		cfg.Loop.ToolConcurrency = layer.Loop.ToolConcurrency
	}

	for name, pc := range layer.Providers {
		existing := cfg.Providers[name]
		if pc.APIKey != "" {
			existing.APIKey = pc.APIKey
		}
		if pc.BaseURL != "" {
			existing.BaseURL = pc.BaseURL
		}
		cfg.Providers[name] = existing
	}

	for name, srv := range layer.MCPServers {
		if cfg.MCPServers == nil {
			cfg.MCPServers = map[string]ServerConfig{}
		}
		cfg.MCPServers[name] = srv
	}
}

// applyEnv fills in provider credentials from the conventional
// environment variables when the files left them empty.
func applyEnv(cfg *Config) {
	envKeys := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GEMINI_API_KEY",
	}
	for name, envKey := range envKeys {
		pc := cfg.Providers[name]
		if pc.APIKey == "" {
			if v := os.Getenv(envKey); v != "" {
				pc.APIKey = v
				cfg.Providers[name] = pc
			}
		}
	}
}

// UserDir returns the user config directory path.
func (l *Loader) UserDir() string {
	return l.userDir
}

var loaded *Config

// Load reads configuration using the default loader, caching the result.
func Load() (*Config, error) {
	if loaded != nil {
		return loaded, nil
	}
	cfg, err := NewLoader().Load()
	if err != nil {
		return nil, err
	}
	loaded = cfg
	return loaded, nil
}

// Reload clears the cache and reads configuration again.
func Reload() (*Config, error) {
	loaded = nil
	return Load()
}
