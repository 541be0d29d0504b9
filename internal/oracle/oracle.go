// Package oracle defines the JSON-emitting LLM capability the
// extractor and planner depend on, plus the production adapters. The
// oracle is stateless; it is called once per extractor invocation and
// once per planner invocation.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
)

// Request describes one generate-JSON call.
type Request struct {
	// System is the system prompt (rules, enumerations, few-shots).
	System string

	// User is the turn-specific payload.
	User string

	// Schema is the JSON Schema the output must conform to. Adapters
	// pass it to backends that support constrained decoding; callers
	// still validate the result regardless.
	Schema json.RawMessage

	// Temperature for sampling. Extractor ~0.1, planner ~0.2.
	Temperature float32

	// MaxTokens caps the completion length.
	MaxTokens int
}

// Oracle generates a JSON document for a request, or fails. Callers
// must validate the result against their schema; an oracle error never
// propagates past the component boundary (components fall back to
// deterministic behavior).
type Oracle interface {
	GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error)
}

// ErrDisabled is returned by the disabled oracle; callers fall back
// to their deterministic paths.
var ErrDisabled = errors.New("oracle disabled")

type disabled struct{}

// Disabled returns an Oracle that always fails with ErrDisabled, for
// deployments that run on heuristics and fallback plans only.
func Disabled() Oracle { return disabled{} }

func (disabled) GenerateJSON(context.Context, Request) (json.RawMessage, error) {
	return nil, ErrDisabled
}

// ErrNotJSON is returned when a backend produced non-JSON output.
var ErrNotJSON = errors.New("oracle returned non-JSON output")

// extractJSON trims a completion down to its JSON payload. Models
// occasionally wrap JSON in markdown fences despite instructions.
func extractJSON(content string) (json.RawMessage, error) {
	raw := []byte(content)
	if json.Valid(raw) {
		return raw, nil
	}

	start := -1
	for i, c := range content {
		if c == '{' || c == '[' {
			start = i
			break
		}
	}
	if start >= 0 {
		end := -1
		for i := len(content) - 1; i >= start; i-- {
			if content[i] == '}' || content[i] == ']' {
				end = i
				break
			}
		}
		if end > start {
			candidate := []byte(content[start : end+1])
			if json.Valid(candidate) {
				return candidate, nil
			}
		}
	}
	return nil, ErrNotJSON
}
