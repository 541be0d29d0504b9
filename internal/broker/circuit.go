package broker

import (
	"sync"
	"time"
)

// Circuit states.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitConfig tunes one breaker.
type CircuitConfig struct {
	// FailureThreshold opens the circuit once this many failures land
	// within FailureWindow.
	FailureThreshold int

	// FailureWindow is the sliding window over which failures count.
	FailureWindow time.Duration

	// Cooldown is how long an open circuit rejects before probing.
	Cooldown time.Duration

	// HalfOpenMax caps concurrent probe calls while half-open.
	HalfOpenMax int
}

// DefaultCircuitConfig matches the platform defaults: five failures
// within a sixty-second window open the circuit for thirty seconds.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	d := DefaultCircuitConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = d.HalfOpenMax
	}
	return c
}

// circuitBreaker tracks failures for one (workspace, tool) pair.
type circuitBreaker struct {
	mu     sync.Mutex
	config CircuitConfig

	state            circuitState
	failures         []time.Time
	openedAt         time.Time
	halfOpenInFlight int
}

func newCircuitBreaker(config CircuitConfig) *circuitBreaker {
	return &circuitBreaker{config: config.withDefaults()}
}

// AllowAt reports whether a call may proceed at now. An open circuit
// transitions to half-open once the cooldown elapses; half-open
// admits at most HalfOpenMax in-flight probes.
func (b *circuitBreaker) AllowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if now.Sub(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.state = circuitHalfOpen
		b.halfOpenInFlight = 1
		return true
	case circuitHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMax {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return true
}

// RecordSuccessAt closes the circuit.
func (b *circuitBreaker) RecordSuccessAt(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == circuitHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.state = circuitClosed
	b.failures = b.failures[:0]
}

// RecordFailureAt registers a failure; enough failures within the
// window open the circuit. A failed half-open probe re-opens it
// immediately.
func (b *circuitBreaker) RecordFailureAt(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == circuitHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.open(now)
		return
	}

	cutoff := now.Add(-b.config.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.config.FailureThreshold {
		b.open(now)
	}
}

func (b *circuitBreaker) open(now time.Time) {
	b.state = circuitOpen
	b.openedAt = now
	b.failures = b.failures[:0]
	b.halfOpenInFlight = 0
}

// forceHalfOpen moves the breaker to half-open regardless of cooldown.
func (b *circuitBreaker) forceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = circuitHalfOpen
	b.halfOpenInFlight = 0
}

// State returns the current state label, for diagnostics.
func (b *circuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// breakerRegistry holds one breaker per (workspace, tool) key, so a
// failing backend in one tenant never trips another tenant's circuit.
type breakerRegistry struct {
	mu       sync.RWMutex
	config   CircuitConfig
	breakers map[string]*circuitBreaker
}

func newBreakerRegistry(config CircuitConfig) *breakerRegistry {
	return &breakerRegistry{
		config:   config.withDefaults(),
		breakers: make(map[string]*circuitBreaker),
	}
}

func breakerKey(workspaceID, tool string) string {
	return workspaceID + ":" + tool
}

func (r *breakerRegistry) get(workspaceID, tool string) *circuitBreaker {
	key := breakerKey(workspaceID, tool)

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = newCircuitBreaker(r.config)
	r.breakers[key] = b
	return b
}

// ForceHalfOpen puts the breaker for (workspace, tool) into half-open,
// letting operators probe a recovered backend without waiting out the
// cooldown.
func (r *breakerRegistry) ForceHalfOpen(workspaceID, tool string) {
	r.get(workspaceID, tool).forceHalfOpen()
}
