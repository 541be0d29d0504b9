// Package manifest loads and caches the declarative tool catalogs
// (one YAML manifest per vertical, with optional per-workspace
// overrides) that drive planning, policy checks, and execution.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Tool scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// Transport kinds.
const (
	TransportHTTP     = "http"
	TransportInternal = "internal"
)

// Auth kinds.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// AuthSpec declares how the broker authenticates a tool's HTTP calls.
type AuthSpec struct {
	Kind string `yaml:"kind" json:"kind"`

	// Token is the bearer token (kind=bearer). Supports ${ENV} expansion
	// at load time.
	Token string `yaml:"token,omitempty" json:"-"`

	// Header and Value configure an api_key header (kind=api_key).
	Header string `yaml:"header,omitempty" json:"header,omitempty"`
	Value  string `yaml:"value,omitempty" json:"-"`
}

// Transport binds a tool to its execution mechanism.
type Transport struct {
	// Kind is "http" or "internal".
	Kind string `yaml:"kind" json:"kind"`

	// URL and Method apply to HTTP transports.
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	Auth *AuthSpec `yaml:"auth,omitempty" json:"auth,omitempty"`

	// CacheTTLSeconds bounds the idempotency cache entry for this tool.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds,omitempty" json:"cache_ttl_seconds,omitempty"`

	// RetrySafe overrides the retry default (true for GET-like reads,
	// false for writes).
	RetrySafe *bool `yaml:"retry_safe,omitempty" json:"retry_safe,omitempty"`
}

// ToolSpec is the declarative description of one tool.
type ToolSpec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// ArgsSchema is a JSON Schema document for the tool arguments.
	ArgsSchema map[string]any `yaml:"args_schema" json:"args_schema"`

	// RequiresSlots lists slot names that must be non-null in
	// conversational state before the tool may run.
	RequiresSlots []string `yaml:"requires_slots" json:"requires_slots,omitempty"`

	// Scopes are read, write, admin.
	Scopes []string `yaml:"scopes" json:"scopes"`

	// TierRequired is the minimum workspace tier (basic|pro|max).
	TierRequired string `yaml:"tier_required" json:"tier_required"`

	// RateLimitPerMin caps calls per (workspace, tool) per sliding
	// minute. Zero means unlimited.
	RateLimitPerMin int `yaml:"rate_limit_per_min,omitempty" json:"rate_limit_per_min,omitempty"`

	CostTokens int `yaml:"cost_tokens,omitempty" json:"cost_tokens,omitempty"`

	// TimeoutMS is the total per-attempt execution timeout.
	TimeoutMS int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`

	Transport Transport `yaml:"transport" json:"transport"`

	compiled *jsonschema.Schema
}

// HasScope reports whether the tool declares the given scope.
func (s *ToolSpec) HasScope(scope string) bool {
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

// IsWrite reports whether the tool has side effects (write or admin).
func (s *ToolSpec) IsWrite() bool {
	return s.HasScope(ScopeWrite) || s.HasScope(ScopeAdmin)
}

// RetrySafe reports whether failed attempts may be retried. Explicit
// transport declaration wins; otherwise reads are retry-safe and
// writes are not.
func (s *ToolSpec) RetrySafe() bool {
	if s.Transport.RetrySafe != nil {
		return *s.Transport.RetrySafe
	}
	return !s.IsWrite()
}

// Timeout returns the per-attempt timeout, defaulting to 10s.
func (s *ToolSpec) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// CacheTTL returns the idempotency cache TTL, defaulting to 60s.
func (s *ToolSpec) CacheTTL() time.Duration {
	if s.Transport.CacheTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.Transport.CacheTTLSeconds) * time.Second
}

// ValidateArgs validates args against the tool's compiled JSON Schema.
// Tools without an args_schema accept anything.
func (s *ToolSpec) ValidateArgs(args map[string]any) error {
	if s.compiled == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees plain types.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return s.compiled.Validate(decoded)
}

// Manifest is the ordered tool catalog for one (vertical, optional
// workspace-override) tuple.
type Manifest struct {
	Vertical string      `yaml:"vertical" json:"vertical"`
	Version  string      `yaml:"version" json:"version"`
	Tools    []*ToolSpec `yaml:"tools" json:"tools"`

	index map[string]*ToolSpec
}

// Tool returns the spec for name.
func (m *Manifest) Tool(name string) (*ToolSpec, bool) {
	t, ok := m.index[name]
	return t, ok
}

// Names returns the tool names in manifest order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Tools))
	for _, t := range m.Tools {
		names = append(names, t.Name)
	}
	return names
}

var (
	toolNameRe  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	validScopes = map[string]bool{ScopeRead: true, ScopeWrite: true, ScopeAdmin: true}
	validTiers  = map[string]bool{"basic": true, "pro": true, "max": true}
)

// Load reads and validates one manifest file. ${ENV} references in the
// file are expanded before parsing so auth material stays out of YAML.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))), path)
}

// Parse validates manifest bytes and compiles every args_schema.
func Parse(data []byte, pathHint string) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", pathHint, err)
	}

	if m.Vertical == "" {
		return nil, fmt.Errorf("manifest %s: vertical is required", pathHint)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest %s: version is required", pathHint)
	}
	if len(m.Tools) == 0 {
		return nil, fmt.Errorf("manifest %s: no tools declared", pathHint)
	}

	m.index = make(map[string]*ToolSpec, len(m.Tools))
	for _, tool := range m.Tools {
		if err := validateTool(tool); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", pathHint, err)
		}
		if _, dup := m.index[tool.Name]; dup {
			return nil, fmt.Errorf("manifest %s: duplicate tool %q", pathHint, tool.Name)
		}
		if tool.ArgsSchema != nil {
			raw, err := json.Marshal(tool.ArgsSchema)
			if err != nil {
				return nil, fmt.Errorf("manifest %s: tool %s: encode args_schema: %w", pathHint, tool.Name, err)
			}
			compiled, err := jsonschema.CompileString(tool.Name+".args.json", string(raw))
			if err != nil {
				return nil, fmt.Errorf("manifest %s: tool %s: compile args_schema: %w", pathHint, tool.Name, err)
			}
			tool.compiled = compiled
		}
		m.index[tool.Name] = tool
	}
	return &m, nil
}

func validateTool(t *ToolSpec) error {
	if !toolNameRe.MatchString(t.Name) {
		return fmt.Errorf("invalid tool name %q", t.Name)
	}
	if len(t.Scopes) == 0 {
		return fmt.Errorf("tool %s: at least one scope is required", t.Name)
	}
	for _, sc := range t.Scopes {
		if !validScopes[sc] {
			return fmt.Errorf("tool %s: unknown scope %q", t.Name, sc)
		}
	}
	if t.TierRequired == "" {
		t.TierRequired = "basic"
	}
	if !validTiers[t.TierRequired] {
		return fmt.Errorf("tool %s: unknown tier %q", t.Name, t.TierRequired)
	}
	switch t.Transport.Kind {
	case TransportHTTP:
		if t.Transport.URL == "" {
			return fmt.Errorf("tool %s: http transport requires url", t.Name)
		}
		if t.Transport.Method == "" {
			t.Transport.Method = "POST"
		}
	case TransportInternal:
	default:
		return fmt.Errorf("tool %s: unknown transport kind %q", t.Name, t.Transport.Kind)
	}
	if t.Transport.Auth != nil {
		switch t.Transport.Auth.Kind {
		case AuthNone, AuthBearer, AuthAPIKey:
		default:
			return fmt.Errorf("tool %s: unknown auth kind %q", t.Name, t.Transport.Auth.Kind)
		}
	}
	return nil
}
