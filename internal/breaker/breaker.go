// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"time"

	"github.com/scrapeorch/gateway/internal/clock"
)

// State is a circuit breaker's position in the closed/open/half-open cycle
// (spec §4.2).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Execute when the breaker fails fast.
type ErrOpen struct{ Name string }

func (e ErrOpen) Error() string { return "circuit breaker open: " + e.Name }

// CircuitBreaker guards a single named downstream. It counts consecutive
// failures/successes rather than a sliding-window rate, matching the fixed
// thresholds in spec §4.2: failureThreshold consecutive failures to open,
// 3 consecutive half-open successes to close, any half-open failure reopens.
type CircuitBreaker struct {
	mu sync.Mutex

	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	clock            clock.Clock

	state            State
	failures         int
	halfOpenSuccess  int
	halfOpenInFlight bool
	lastFailureTime  time.Time
}

// New builds a CircuitBreaker named name that opens after failureThreshold
// consecutive failures and probes again resetTimeout after the last failure.
func New(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return NewWithClock(name, failureThreshold, resetTimeout, clock.Real)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(name string, failureThreshold int, resetTimeout time.Duration, c clock.Clock) *CircuitBreaker {
	return &CircuitBreaker{
		Name:             name,
		FailureThreshold: failureThreshold,
		ResetTimeout:     resetTimeout,
		clock:            c,
		state:            Closed,
	}
}

// State returns the breaker's current state. An Open breaker whose reset
// timeout has elapsed reports HalfOpen without consuming the probe slot.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveStateLocked()
}

func (cb *CircuitBreaker) effectiveStateLocked() State {
	if cb.state == Open && cb.clock.Since(cb.lastFailureTime) >= cb.ResetTimeout {
		return HalfOpen
	}
	return cb.state
}

// Execute runs fn if the breaker admits the call, else fails fast with
// ErrOpen, and records the outcome against the breaker's state machine.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrOpen{Name: cb.Name}
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == Open && cb.clock.Since(cb.lastFailureTime) >= cb.ResetTimeout {
		cb.state = HalfOpen
		cb.halfOpenInFlight = true
		return true
	}
	switch cb.state {
	case Open:
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		if ok {
			cb.failures = 0
			return
		}
		cb.failures++
		cb.lastFailureTime = cb.clock.Now()
		if cb.failures >= cb.FailureThreshold {
			cb.state = Open
		}
	case HalfOpen:
		cb.halfOpenInFlight = false
		if ok {
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= 3 {
				cb.state = Closed
				cb.failures = 0
				cb.halfOpenSuccess = 0
			}
			return
		}
		cb.halfOpenSuccess = 0
		cb.state = Open
		cb.lastFailureTime = cb.clock.Now()
	case Open:
		// allow() always transitions out of Open before record() runs.
	}
}
