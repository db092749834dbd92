// Package config defines the turnstile daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Store    StoreConfig   `json:"store" yaml:"store"`
	Engine   EngineConfig  `json:"engine" yaml:"engine"`
	Backend  BackendConfig `json:"backend" yaml:"backend"`
	Rooms    []string      `json:"rooms" yaml:"rooms"`
	Agents   []AgentConfig `json:"agents" yaml:"agents"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"-" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"-" yaml:"admin_pass"` // bcrypt hash
}

// StoreConfig selects where room events, leases, and transitions live.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "memory" or "sqlite"
	Path   string `json:"path,omitempty" yaml:"path"`
}

// EngineConfig holds the coordination limits.
type EngineConfig struct {
	MaxConcurrent  int      `json:"max_concurrent" yaml:"max_concurrent"`
	MaxQueue       int      `json:"max_queue" yaml:"max_queue"`
	QueueWait      Duration `json:"queue_wait" yaml:"queue_wait"`
	TokenBudget    Duration `json:"token_budget" yaml:"token_budget"`
	MaxRetries     int      `json:"max_retries" yaml:"max_retries"`
	BaseBackoff    Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
	SnapshotWindow int      `json:"snapshot_window" yaml:"snapshot_window"`
	SnapshotTokens int      `json:"snapshot_tokens" yaml:"snapshot_tokens"`
	LeaseTTL       Duration `json:"lease_ttl" yaml:"lease_ttl"`
	LeaseSecret    string   `json:"-" yaml:"lease_secret"`
}

// BackendConfig selects the inference backend.
type BackendConfig struct {
	Type      string `json:"type" yaml:"type"` // "mock" or "openai"
	APIKey    string `json:"-" yaml:"api_key"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url"`
	Model     string `json:"model,omitempty" yaml:"model"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens"`

	// Temperature is passed to the backend unchanged. Zero keeps decisions
	// repeatable.
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature"`
}

// AgentConfig defines one logical agent type and how many instances of it
// to run.
type AgentConfig struct {
	Type         string   `json:"type" yaml:"type"`
	Name         string   `json:"name" yaml:"name"`
	Role         string   `json:"role,omitempty" yaml:"role"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	Instances    int      `json:"instances" yaml:"instances"`
	Rooms        []string `json:"rooms,omitempty" yaml:"rooms"`       // defaults to Config.Rooms
	Priority     string   `json:"priority,omitempty" yaml:"priority"` // low, normal, high
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "./data/turnstile.db",
		},
		Engine: EngineConfig{
			MaxConcurrent:  2,
			MaxQueue:       64,
			QueueWait:      Duration(10 * time.Second),
			TokenBudget:    Duration(30 * time.Second),
			MaxRetries:     1,
			BaseBackoff:    Duration(250 * time.Millisecond),
			MaxBackoff:     Duration(5 * time.Second),
			SnapshotWindow: 20,
			SnapshotTokens: 8000,
			LeaseTTL:       Duration(45 * time.Second),
		},
		Backend: BackendConfig{
			Type: "mock",
		},
		Rooms:    []string{"lobby"},
		LogLevel: "info",
		Agents: []AgentConfig{
			{
				Type:         "Helper",
				Name:         "Helper",
				SystemPrompt: "You answer direct questions briefly and accurately.",
				Instances:    1,
			},
		},
	}
}

// Load reads a YAML config file over DefaultConfig, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv lets secrets come from the environment instead of the file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TURNSTILE_LEASE_SECRET"); v != "" {
		c.Engine.LeaseSecret = v
	}
	if v := os.Getenv("TURNSTILE_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("TURNSTILE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxConcurrent < 1 {
		errs = append(errs, errors.New("engine.max_concurrent must be at least 1"))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, errors.New("engine.max_retries must not be negative"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory or sqlite", c.Store.Driver))
	}
	switch c.Backend.Type {
	case "mock", "openai":
	default:
		errs = append(errs, fmt.Errorf("backend.type %q: want mock or openai", c.Backend.Type))
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		switch {
		case a.Type == "":
			errs = append(errs, fmt.Errorf("agents[%d]: type is required", i))
		case seen[a.Type]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate type %q", i, a.Type))
		}
		seen[a.Type] = true
		if a.Instances < 0 {
			errs = append(errs, fmt.Errorf("agents[%d]: instances must not be negative", i))
		}
		switch a.Priority {
		case "", "low", "normal", "high":
		default:
			errs = append(errs, fmt.Errorf("agents[%d]: priority %q: want low, normal, or high", i, a.Priority))
		}
	}
	return errors.Join(errs...)
}

// RoomsFor returns the rooms agent a watches.
func (c *Config) RoomsFor(a AgentConfig) []string {
	if len(a.Rooms) > 0 {
		return a.Rooms
	}
	return c.Rooms
}
