// Copyright 2025 James Ross
// Package clock provides an injectable time source so rate limiters, the
// circuit breaker, and the run tracker can be tested without sleeping.
package clock

import "time"

// Clock is the subset of time.Time/time.Timer behavior the core uses.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so it can be faked.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// Real is the production clock backed by the time package.
var Real Clock = realClock{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration  { return time.Since(t) }
func (realClock) Sleep(d time.Duration)            { time.Sleep(d) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
