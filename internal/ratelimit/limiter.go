// Package ratelimit provides a keyed sliding-window limiter for
// per-(workspace, tool) call budgets.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// defaultMaxKeys bounds the number of tracked keys before pruning.
const defaultMaxKeys = 10000

// Limiter counts calls per key within a sliding window. Entries are
// pruned on access so idle keys do not accumulate.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	period  time.Duration
	maxKeys int
}

// NewLimiter creates a limiter with the given window (60s when zero).
func NewLimiter(period time.Duration) *Limiter {
	if period <= 0 {
		period = time.Minute
	}
	return &Limiter{
		windows: make(map[string][]time.Time),
		period:  period,
		maxKeys: defaultMaxKeys,
	}
}

// Allow records a call for key and reports whether it stays within
// limit calls per window. A non-positive limit means unlimited.
func (l *Limiter) Allow(key string, limit int) bool {
	return l.AllowAt(key, limit, time.Now())
}

// AllowAt is Allow with an explicit timestamp, for deterministic tests.
func (l *Limiter) AllowAt(key string, limit int, now time.Time) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.period)
	window := prune(l.windows[key], cutoff)

	if len(window) >= limit {
		l.windows[key] = window
		return false
	}

	if len(l.windows) >= l.maxKeys {
		l.pruneAll(cutoff)
	}
	l.windows[key] = append(window, now)
	return true
}

// Count returns the calls recorded for key within the window ending now.
func (l *Limiter) Count(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(prune(l.windows[key], now.Add(-l.period)))
}

// Reset clears the window for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func prune(window []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	return window[idx:]
}

// pruneAll drops empty windows to bound memory (lock held).
func (l *Limiter) pruneAll(cutoff time.Time) {
	for key, window := range l.windows {
		if len(prune(window, cutoff)) == 0 {
			delete(l.windows, key)
		}
	}
}

// CompositeKey joins key parts with ":".
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
