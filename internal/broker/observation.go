// Package broker executes planned tool calls over HTTP or in-process
// handlers, with idempotency, bounded retries, per-tool concurrency
// caps, and per-(workspace, tool) circuit breaking. Every execution
// returns an Observation; the broker itself never fails a turn.
package broker

import "time"

// Status classifies the outcome of one tool execution.
type Status string

const (
	StatusSuccess     Status = "SUCCESS"
	StatusFailure     Status = "FAILURE"
	StatusTimeout     Status = "TIMEOUT"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusCircuitOpen Status = "CIRCUIT_OPEN"
	StatusDuplicate   Status = "DUPLICATE"
)

// Observation is the normalized result of one tool execution. It is
// the only thing downstream state reduction ever sees.
type Observation struct {
	Tool string `json:"tool"`

	// Args is the sanitized argument set for the call, PII redacted.
	Args map[string]any `json:"args,omitempty"`

	Status    Status         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	LatencyMS int64          `json:"execution_time_ms"`
	Attempts  int            `json:"attempts"`

	// StatusCode is the final HTTP status, zero for internal tools.
	StatusCode int `json:"status_code,omitempty"`

	// FromCache marks a DUPLICATE answered by the idempotency cache.
	FromCache bool `json:"from_cache,omitempty"`

	// Truncated marks a response cut at the size guard.
	Truncated bool `json:"truncated,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// OK reports whether the call produced usable data.
func (o Observation) OK() bool {
	return o.Status == StatusSuccess || o.Status == StatusDuplicate
}
