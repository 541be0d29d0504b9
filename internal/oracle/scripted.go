package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned when a scripted oracle runs out of
// queued responses.
var ErrScriptExhausted = errors.New("scripted oracle: no responses left")

// Scripted is a deterministic Oracle for tests: it replays queued
// responses (or errors) in order and records every request it saw.
type Scripted struct {
	mu        sync.Mutex
	responses []scriptStep
	requests  []Request
}

type scriptStep struct {
	raw json.RawMessage
	err error
}

// NewScripted creates an empty scripted oracle.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Respond queues a JSON response.
func (s *Scripted) Respond(raw string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, scriptStep{raw: json.RawMessage(raw)})
	return s
}

// Fail queues an error response.
func (s *Scripted) Fail(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, scriptStep{err: err})
	return s
}

// GenerateJSON implements Oracle.
func (s *Scripted) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if len(s.responses) == 0 {
		return nil, ErrScriptExhausted
	}
	step := s.responses[0]
	s.responses = s.responses[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.raw, nil
}

// Calls returns how many times the oracle was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// LastRequest returns the most recent request, or a zero Request.
func (s *Scripted) LastRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}
	}
	return s.requests[len(s.requests)-1]
}
