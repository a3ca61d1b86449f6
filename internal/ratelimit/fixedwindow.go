// Copyright 2025 James Ross
package ratelimit

import (
	"sync"
	"time"

	"github.com/scrapeorch/gateway/internal/clock"
)

type fixedWindowState struct {
	count     int64
	windowEnd time.Time
}

// FixedWindow admits up to Limit requests per Window, resetting the whole
// window atomically once it elapses (spec §4.1: "resets state atomically
// when now > windowEnd").
type FixedWindow struct {
	Limit  int64
	Window time.Duration
	KeyGen KeyGen

	clock clock.Clock
	mu    sync.Mutex
	state map[string]*fixedWindowState
}

// NewFixedWindow builds a fixed-window limiter admitting limit requests per
// window, using the real wall clock.
func NewFixedWindow(limit int64, window time.Duration) *FixedWindow {
	return NewFixedWindowWithClock(limit, window, clock.Real)
}

// NewFixedWindowWithClock is NewFixedWindow with an injectable clock.
func NewFixedWindowWithClock(limit int64, window time.Duration, c clock.Clock) *FixedWindow {
	return &FixedWindow{
		Limit:  limit,
		Window: window,
		KeyGen: identityKeyGen,
		clock:  c,
		state:  make(map[string]*fixedWindowState),
	}
}

func (f *FixedWindow) key(identifier string) string {
	if f.KeyGen == nil {
		return identifier
	}
	return f.KeyGen(identifier)
}

// Check admits or denies one request for identifier.
func (f *FixedWindow) Check(identifier string) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	key := f.key(identifier)
	s, ok := f.state[key]
	if !ok || now.After(s.windowEnd) {
		s = &fixedWindowState{count: 0, windowEnd: now.Add(f.Window)}
		f.state[key] = s
	}

	if s.count >= f.Limit {
		return Result{Allowed: false, RetryAfterSecs: s.windowEnd.Sub(now).Seconds(), ResetAt: s.windowEnd}
	}
	s.count++
	return Result{Allowed: true, ResetAt: s.windowEnd}
}

// Info reports the limiter's state for identifier without mutating it.
func (f *FixedWindow) Info(identifier string) Info {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := f.key(identifier)
	s, ok := f.state[key]
	if !ok || f.clock.Now().After(s.windowEnd) {
		return Info{Limit: f.Limit, Remaining: f.Limit, Reset: f.clock.Now().Add(f.Window)}
	}
	return Info{Limit: f.Limit, Remaining: f.Limit - s.count, Reset: s.windowEnd}
}

// Sweep discards windows that expired more than grace ago, releasing memory
// for identifiers that have gone idle (spec §4.1 background sweeper).
func (f *FixedWindow) Sweep(grace time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	removed := 0
	for key, s := range f.state {
		if now.Sub(s.windowEnd) > grace {
			delete(f.state, key)
			removed++
		}
	}
	return removed
}
