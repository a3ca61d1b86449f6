// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Manager owns one Limiter per scope (typically "<platform>:<apiKeyID>")
// and runs the background sweeper that discards idle scopes (spec §4.1).
// Grounded on the teacher's advanced-rate-limiting RateLimiter, which wraps
// per-tenant state behind a single entry point; this variant swaps the
// Lua-script token bucket for the in-process limiters above, reserving the
// Redis-backed sorted-set path for Distributed.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]Limiter
	factory  func(scope string) Limiter

	sweepEvery time.Duration
	grace      time.Duration
}

// NewManager builds a Manager that lazily creates a Limiter per scope via
// factory the first time that scope is checked.
func NewManager(factory func(scope string) Limiter, sweepEvery, grace time.Duration) *Manager {
	return &Manager{
		limiters:   make(map[string]Limiter),
		factory:    factory,
		sweepEvery: sweepEvery,
		grace:      grace,
	}
}

func (m *Manager) limiterFor(scope string) Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[scope]
	if !ok {
		l = m.factory(scope)
		m.limiters[scope] = l
	}
	return l
}

// Check enforces the scope's limiter against identifier.
func (m *Manager) Check(scope, identifier string) Result {
	return m.limiterFor(scope).Check(identifier)
}

// Info reports the scope's limiter state for identifier.
func (m *Manager) Info(scope, identifier string) Info {
	return m.limiterFor(scope).Info(identifier)
}

type sweepable interface {
	Sweep(grace time.Duration) int
}

// Run drives the sweeper until ctx is canceled, discarding windows whose
// grace period has elapsed (spec §4.1: "a background sweeper discards
// windows with windowEnd < now - grace").
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.limiters {
		if s, ok := l.(sweepable); ok {
			s.Sweep(m.grace)
		}
	}
}
