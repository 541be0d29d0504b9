// Package slots defines the canonical slot vocabulary shared across
// business verticals, together with the normalizers that coerce
// free-form user values into each slot's semantic type.
package slots

import (
	"fmt"
	"sort"
)

// Kind is the semantic type of a canonical slot.
type Kind string

const (
	KindString Kind = "string"
	KindDate   Kind = "date" // YYYY-MM-DD
	KindTime   Kind = "time" // HH:MM, 24h
	KindEmail  Kind = "email"
	KindPhone  Kind = "phone"
	KindNumber Kind = "number" // positive number
)

// Redacted replaces PII slot values in logs and metrics.
const Redacted = "***"

// Slot describes one entry of the canonical vocabulary.
type Slot struct {
	// Name is the canonical slot name used across verticals.
	Name string

	// Kind selects the normalizer and the value representation.
	Kind Kind

	// IsPII marks slots whose values must never appear in logs.
	IsPII bool

	// TitleCase applies title-casing on normalization (person names).
	TitleCase bool
}

// Registry holds the closed set of canonical slots.
type Registry struct {
	slots map[string]Slot
}

// NewRegistry returns the canonical slot registry. The vocabulary is
// closed: extractor output and tool args are filtered against it.
func NewRegistry() *Registry {
	defs := []Slot{
		{Name: "service_type", Kind: KindString},
		{Name: "preferred_date", Kind: KindDate},
		{Name: "preferred_time", Kind: KindTime},
		{Name: "client_name", Kind: KindString, IsPII: true, TitleCase: true},
		{Name: "client_email", Kind: KindEmail, IsPII: true},
		{Name: "client_phone", Kind: KindPhone, IsPII: true},
		{Name: "booking_id", Kind: KindString},
		{Name: "confirmation_code", Kind: KindString},
		{Name: "confirmed_date", Kind: KindDate},
		{Name: "confirmed_time", Kind: KindTime},
		{Name: "party_size", Kind: KindNumber},
		{Name: "menu_item", Kind: KindString},
		{Name: "property_id", Kind: KindString},
		{Name: "notes", Kind: KindString},
	}

	slots := make(map[string]Slot, len(defs))
	for _, s := range defs {
		slots[s.Name] = s
	}
	return &Registry{slots: slots}
}

// Get returns the slot definition for name.
func (r *Registry) Get(name string) (Slot, bool) {
	s, ok := r.slots[name]
	return s, ok
}

// Has reports whether name is part of the canonical vocabulary.
func (r *Registry) Has(name string) bool {
	_, ok := r.slots[name]
	return ok
}

// IsPII reports whether name is a PII-flagged canonical slot.
func (r *Registry) IsPII(name string) bool {
	s, ok := r.slots[name]
	return ok && s.IsPII
}

// Names returns the canonical slot names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Redact returns value unchanged unless name is a PII slot, in which
// case it returns the redaction marker.
func (r *Registry) Redact(name string, value any) any {
	if r.IsPII(name) && value != nil {
		return Redacted
	}
	return value
}

// RedactArgs returns a copy of args with every PII slot value replaced
// by the redaction marker. The input map is not modified.
func (r *Registry) RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = r.Redact(k, v)
	}
	return out
}

// Describe returns a one-line description of a slot for prompt
// building, e.g. "preferred_date (date, YYYY-MM-DD)".
func (r *Registry) Describe(name string) string {
	s, ok := r.slots[name]
	if !ok {
		return name
	}
	switch s.Kind {
	case KindDate:
		return fmt.Sprintf("%s (date, YYYY-MM-DD)", s.Name)
	case KindTime:
		return fmt.Sprintf("%s (time, HH:MM 24h)", s.Name)
	default:
		return fmt.Sprintf("%s (%s)", s.Name, s.Kind)
	}
}
