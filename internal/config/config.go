// Package config handles loading, validating, and hot-reloading the
// ccrelay proxy configuration from disk.
//
// The config defines:
//   - Server bind address (host:port)
//   - Upstream LLM providers (model maps, VL model maps, auth mode)
//   - Routing rules (block / passthrough / route)
//   - Concurrency defaults and per-route-queue overrides
//   - Leader/follower coordination settings
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level, immutable snapshot consumed by the
// classifier and scheduler. A new Config is built wholesale on reload
// and swapped in atomically — nothing mutates a Config in place.
type Config struct {
	Server          ServerConfig              `yaml:"server"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	DefaultProvider string                    `yaml:"defaultProvider"`
	Routing         RoutingConfig             `yaml:"routing"`
	Concurrency     *ConcurrencyConfig        `yaml:"concurrency"`
	RouteQueues     []RouteQueueConfig        `yaml:"routeQueues"`
	ProxyTimeoutSec int                       `yaml:"proxyTimeoutSec"`
	Coordination    CoordinationConfig        `yaml:"coordination"`
}

// ServerConfig defines where the proxy listens.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ModelMapEntry is one ordered {pattern, model} rewrite rule. Declared
// as a list, not a map, because first-match-wins across wildcard
// patterns is load-bearing.
type ModelMapEntry struct {
	Pattern string `yaml:"pattern"`
	Model   string `yaml:"model"`
}

// ProviderConfig describes one upstream LLM endpoint.
type ProviderConfig struct {
	Name         string            `yaml:"name"`
	BaseURL      string            `yaml:"baseUrl"`
	Mode         string            `yaml:"mode"`         // "passthrough" | "inject"
	ProviderType string            `yaml:"providerType"` // "anthropic" | "openai"
	APIKey       string            `yaml:"apiKey"`
	AuthHeader   string            `yaml:"authHeader"`
	ModelMap     []ModelMapEntry   `yaml:"modelMap"`
	VLModelMap   []ModelMapEntry   `yaml:"vlModelMap"`
	ExtraHeaders map[string]string `yaml:"extraHeaders"`
	Enabled      bool              `yaml:"enabled"`
}

// RoutingConfig holds the three rule kinds, evaluated in this order:
// block, then passthrough, then route.
type RoutingConfig struct {
	Block       []RouteRule `yaml:"block"`
	Passthrough []RouteRule `yaml:"passthrough"`
	Route       []RouteRule `yaml:"route"`
}

// RouteRule is a single classification rule. Path is a glob, matched
// exact-first then wildcard.
type RouteRule struct {
	Path         string `yaml:"path"`
	ProviderID   string `yaml:"providerId"`
	RouteQueue   string `yaml:"routeQueue"`
	ResponseCode int    `yaml:"responseCode"`
	ResponseBody string `yaml:"responseBody"`
}

// ConcurrencyConfig bounds one queue's admission behavior.
type ConcurrencyConfig struct {
	MaxWorkers          int     `yaml:"maxWorkers"`
	MaxQueueSize        int     `yaml:"maxQueueSize"`
	QueueWaitTimeoutSec float64 `yaml:"queueWaitTimeoutSec"`
}

// RouteQueueConfig names a logical queue (assigned to requests via a
// RouteRule's routeQueue field), its concurrency bounds, and its
// dispatch priority (higher priority dispatches first).
type RouteQueueConfig struct {
	Key         string            `yaml:"key"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Priority    int               `yaml:"priority"`
}

// CoordinationConfig configures the leader/follower control channel.
type CoordinationConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Role      string `yaml:"role"` // "leader" | "follower"
	LeaderURL string `yaml:"leaderUrl"`
}

// defaultConcurrency is applied to the "default" queue when the config
// doesn't specify concurrency bounds.
func defaultConcurrency() ConcurrencyConfig {
	return ConcurrencyConfig{
		MaxWorkers:          4,
		MaxQueueSize:        32,
		QueueWaitTimeoutSec: 30,
	}
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal on first run, since
			// nothing writes config.yaml automatically.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# ccrelay proxy configuration. See for the full schema.
#
# server: bind address
# providers: upstream LLM endpoints, keyed by id
# routing: block / passthrough / route rules, evaluated in that order
# concurrency: default per-queue admission bounds
# routeQueues: named queues with their own bounds and dispatch priority

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default
// values.
func applyDefaults() *Config {
	c := defaultConcurrency()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8089,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Name: "anthropic", BaseURL: "https://api.anthropic.com",
				Mode: "passthrough", ProviderType: "anthropic", Enabled: true,
			},
			"openai": {
				Name: "openai", BaseURL: "https://api.openai.com",
				Mode: "passthrough", ProviderType: "openai", Enabled: true,
			},
		},
		DefaultProvider: "anthropic",
		Concurrency:     &c,
		ProxyTimeoutSec: 120,
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	for id, p := range cfg.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: baseUrl is required", id)
		}
		if p.Mode != "" && p.Mode != "passthrough" && p.Mode != "inject" {
			return fmt.Errorf("provider %q: mode must be passthrough or inject, got %q", id, p.Mode)
		}
	}

	if cfg.ProxyTimeoutSec < 0 {
		return fmt.Errorf("proxyTimeoutSec must be non-negative")
	}

	if cfg.Concurrency != nil {
		if err := validateConcurrency(*cfg.Concurrency); err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
	}
	for _, rq := range cfg.RouteQueues {
		if rq.Key == "" {
			return fmt.Errorf("routeQueues: key must not be empty")
		}
		if err := validateConcurrency(rq.Concurrency); err != nil {
			return fmt.Errorf("routeQueues[%s]: %w", rq.Key, err)
		}
	}

	return nil
}

func validateConcurrency(c ConcurrencyConfig) error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("maxWorkers must be >= 1")
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("maxQueueSize must be >= 0")
	}
	if c.QueueWaitTimeoutSec <= 0 {
		return fmt.Errorf("queueWaitTimeoutSec must be > 0")
	}
	return nil
}

// ConcurrencyFor resolves the ConcurrencyConfig for a given route queue
// key, falling back to the global default.
func (c *Config) ConcurrencyFor(key string) ConcurrencyConfig {
	for _, rq := range c.RouteQueues {
		if rq.Key == key {
			return rq.Concurrency
		}
	}
	if c.Concurrency != nil {
		return *c.Concurrency
	}
	return defaultConcurrency()
}

// PriorityFor resolves the dispatch priority for a given route queue
// key. Queue keys with no matching RouteQueueConfig dispatch at the
// default priority, 0.
func (c *Config) PriorityFor(key string) int {
	for _, rq := range c.RouteQueues {
		if rq.Key == key {
			return rq.Priority
		}
	}
	return 0
}
