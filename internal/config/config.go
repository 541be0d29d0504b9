// Package config loads the YAML configuration for the orchestrator.
// ${ENV} references are expanded at load time so secrets stay out of
// the file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nictes1/orquesta/internal/broker"
	"github.com/nictes1/orquesta/internal/observability"
	"github.com/nictes1/orquesta/internal/oracle"
	"github.com/nictes1/orquesta/internal/workspace"
)

// Config is the root configuration.
type Config struct {
	Logging   observability.LogConfig `yaml:"logging"`
	Manifests ManifestConfig          `yaml:"manifests"`
	Oracle    OracleConfig            `yaml:"oracle"`
	Broker    BrokerConfig            `yaml:"broker"`
	Extractor ExtractorConfig         `yaml:"extractor"`
	Planner   PlannerConfig           `yaml:"planner"`

	// Workspaces seeds the in-memory tenant store. Production deploys
	// replace this with a real resolver.
	Workspaces []workspace.Workspace `yaml:"workspaces"`
}

// ManifestConfig locates the tool catalogs.
type ManifestConfig struct {
	// Dir holds <vertical>.yaml files plus an optional overrides/
	// subdirectory with per-workspace manifests.
	Dir string `yaml:"dir"`

	// Watch enables hot reload on file changes.
	Watch bool `yaml:"watch"`
}

// OracleConfig selects and configures the LLM backend.
type OracleConfig struct {
	// Provider is "openai", "anthropic", or "none". With "none" the
	// extractor and planner run on their deterministic fallbacks only.
	Provider string `yaml:"provider"`

	OpenAI    oracle.OpenAIConfig    `yaml:"openai"`
	Anthropic oracle.AnthropicConfig `yaml:"anthropic"`
}

// BrokerConfig tunes tool execution.
type BrokerConfig struct {
	MaxAttempts          int   `yaml:"max_attempts"`
	BackoffBaseMS        int   `yaml:"backoff_base_ms"`
	BackoffMaxMS         int   `yaml:"backoff_max_ms"`
	MaxConcurrentPerTool int64 `yaml:"max_concurrent_per_tool"`
	MaxBodyBytes         int64 `yaml:"max_body_bytes"`

	Circuit CircuitConfig `yaml:"circuit"`
}

// CircuitConfig tunes the per-(workspace, tool) breakers.
type CircuitConfig struct {
	FailureThreshold     int `yaml:"failure_threshold"`
	FailureWindowSeconds int `yaml:"failure_window_seconds"`
	CooldownSeconds      int `yaml:"cooldown_seconds"`
	HalfOpenMax          int `yaml:"half_open_max"`
}

// ExtractorConfig tunes intent extraction.
type ExtractorConfig struct {
	TimeoutMS     int     `yaml:"timeout_ms"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// PlannerConfig tunes planning.
type PlannerConfig struct {
	TimeoutMS  int `yaml:"timeout_ms"`
	MaxActions int `yaml:"max_actions"`
}

// Load reads, expands, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes config bytes. Unknown fields are an error so typos
// fail fast instead of silently falling back to defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Manifests.Dir == "" {
		return fmt.Errorf("config: manifests.dir is required")
	}
	switch c.Oracle.Provider {
	case "", "none", "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown oracle provider %q", c.Oracle.Provider)
	}
	for i := range c.Workspaces {
		ws := &c.Workspaces[i]
		if ws.ID == "" {
			return fmt.Errorf("config: workspaces[%d]: id is required", i)
		}
		if !ws.Vertical.Valid() {
			return fmt.Errorf("config: workspace %s: unknown vertical %q", ws.ID, ws.Vertical)
		}
	}
	return nil
}

// BuildOracle constructs the configured oracle, or nil for "none".
func (c *Config) BuildOracle() (oracle.Oracle, error) {
	switch c.Oracle.Provider {
	case "openai":
		return oracle.NewOpenAI(c.Oracle.OpenAI), nil
	case "anthropic":
		return oracle.NewAnthropic(c.Oracle.Anthropic)
	default:
		return nil, nil
	}
}

// BrokerSettings maps the YAML tuning onto the broker's config.
func (c *Config) BrokerSettings() broker.Config {
	b := c.Broker
	return broker.Config{
		MaxAttempts:          b.MaxAttempts,
		BackoffBase:          time.Duration(b.BackoffBaseMS) * time.Millisecond,
		BackoffMax:           time.Duration(b.BackoffMaxMS) * time.Millisecond,
		MaxConcurrentPerTool: b.MaxConcurrentPerTool,
		MaxBodyBytes:         b.MaxBodyBytes,
		Circuit: broker.CircuitConfig{
			FailureThreshold: b.Circuit.FailureThreshold,
			FailureWindow:    time.Duration(b.Circuit.FailureWindowSeconds) * time.Second,
			Cooldown:         time.Duration(b.Circuit.CooldownSeconds) * time.Second,
			HalfOpenMax:      b.Circuit.HalfOpenMax,
		},
	}
}

// WorkspaceStore builds the in-memory resolver from the configured
// workspaces.
func (c *Config) WorkspaceStore() *workspace.Store {
	store := workspace.NewStore()
	for i := range c.Workspaces {
		ws := c.Workspaces[i]
		store.Put(&ws)
	}
	return store
}
