// Package workspace holds the tenant model: vertical, subscription
// tier, status, and the per-tenant policy that constrains planning.
package workspace

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Vertical is the business domain template of a tenant.
type Vertical string

const (
	VerticalServices   Vertical = "services"
	VerticalGastronomy Vertical = "gastronomy"
	VerticalRealEstate Vertical = "real-estate"
)

// Valid reports whether v is a known vertical.
func (v Vertical) Valid() bool {
	switch v {
	case VerticalServices, VerticalGastronomy, VerticalRealEstate:
		return true
	}
	return false
}

// Tier is the subscription level gating which tools are callable.
type Tier string

const (
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
	TierMax   Tier = "max"
)

var tierRank = map[Tier]int{
	TierBasic: 0,
	TierPro:   1,
	TierMax:   2,
}

// AtLeast reports whether t satisfies the required tier (basic < pro < max).
// Unknown tiers never satisfy any requirement.
func (t Tier) AtLeast(required Tier) bool {
	tr, ok := tierRank[t]
	if !ok {
		return false
	}
	rr, ok := tierRank[required]
	if !ok {
		return false
	}
	return tr >= rr
}

// Status is the account status of a workspace.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Policy is the tenant-configurable set of planning constraints.
type Policy struct {
	// MaxToolCalls caps the number of actions per plan.
	MaxToolCalls int `yaml:"max_tool_calls" json:"max_tool_calls"`

	// OneSlotPerTurn asks the extractor flow to fill one slot at a time.
	OneSlotPerTurn bool `yaml:"one_slot_per_turn" json:"one_slot_per_turn"`

	// ToolsFirst lists tools that must have run earlier in the
	// conversation before any non-listed tool may run.
	ToolsFirst []string `yaml:"tools_first" json:"tools_first,omitempty"`

	// ForbidPatterns are regexps over tool names; matches are denied.
	ForbidPatterns []string `yaml:"forbid_patterns" json:"forbid_patterns,omitempty"`

	// MinConfidence downgrades write actions to a clarification when
	// extractor confidence falls below it.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	AllowOffersWithoutStock bool `yaml:"allow_offers_without_stock" json:"allow_offers_without_stock"`
	RequireConfirmation     bool `yaml:"require_confirmation" json:"require_confirmation"`
}

// DefaultPolicy returns the policy applied when a workspace has none.
func DefaultPolicy() Policy {
	return Policy{
		MaxToolCalls:  3,
		MinConfidence: 0.0,
	}
}

// Workspace is the immutable-per-turn tenant context.
type Workspace struct {
	ID       string   `yaml:"id" json:"id"`
	Vertical Vertical `yaml:"vertical" json:"vertical"`
	Tier     Tier     `yaml:"tier" json:"tier"`
	Status   Status   `yaml:"status" json:"status"`

	// Timezone is the IANA zone name used to resolve relative dates.
	// Empty means UTC.
	Timezone string `yaml:"timezone" json:"timezone,omitempty"`

	Policy Policy `yaml:"policy" json:"policy"`
}

// Location resolves the workspace timezone, falling back to UTC when
// the zone is empty or unknown.
func (w *Workspace) Location() *time.Location {
	if w.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Active reports whether the workspace may execute side-effecting tools.
func (w *Workspace) Active() bool {
	return w.Status == StatusActive
}

// ErrNotFound is returned when a workspace id is unknown.
var ErrNotFound = errors.New("workspace not found")

// Resolver looks up workspaces by id. The platform wires this to its
// tenant store; the core only consumes the interface.
type Resolver interface {
	Workspace(ctx context.Context, id string) (*Workspace, error)
}

// Store is an in-memory Resolver used by the CLI and tests.
type Store struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// NewStore creates an empty in-memory workspace store.
func NewStore() *Store {
	return &Store{workspaces: make(map[string]*Workspace)}
}

// Put adds or replaces a workspace. Missing policy fields get defaults.
func (s *Store) Put(w *Workspace) {
	if w.Policy.MaxToolCalls <= 0 {
		w.Policy.MaxToolCalls = DefaultPolicy().MaxToolCalls
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[w.ID] = w
}

// Workspace implements Resolver.
func (s *Store) Workspace(_ context.Context, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}
