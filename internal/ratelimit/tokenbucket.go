// Copyright 2025 James Ross
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/scrapeorch/gateway/internal/clock"
)

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket refills lazily on each Check rather than on a ticker, and
// deducts TokensRequired tokens on admission (spec §4.1).
type TokenBucket struct {
	Capacity       float64
	RefillPerSec   float64
	TokensRequired float64
	KeyGen         KeyGen

	clock clock.Clock
	mu    sync.Mutex
	state map[string]*bucketState
}

// NewTokenBucket builds a bucket of the given capacity refilling at
// refillPerSec tokens/second, deducting 1 token per Check.
func NewTokenBucket(capacity, refillPerSec float64) *TokenBucket {
	return NewTokenBucketWithClock(capacity, refillPerSec, clock.Real)
}

// NewTokenBucketWithClock is NewTokenBucket with an injectable clock.
func NewTokenBucketWithClock(capacity, refillPerSec float64, c clock.Clock) *TokenBucket {
	return &TokenBucket{
		Capacity:       capacity,
		RefillPerSec:   refillPerSec,
		TokensRequired: 1,
		KeyGen:         identityKeyGen,
		clock:          c,
		state:          make(map[string]*bucketState),
	}
}

func (b *TokenBucket) key(identifier string) string {
	if b.KeyGen == nil {
		return identifier
	}
	return b.KeyGen(identifier)
}

func (b *TokenBucket) refill(s *bucketState, now time.Time) {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	s.tokens = math.Min(b.Capacity, s.tokens+elapsed*b.RefillPerSec)
	s.lastRefill = now
}

// Check admits or denies one request for identifier, consuming
// TokensRequired tokens on admission.
func (b *TokenBucket) Check(identifier string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	key := b.key(identifier)
	s, ok := b.state[key]
	if !ok {
		s = &bucketState{tokens: b.Capacity, lastRefill: now}
		b.state[key] = s
	}
	b.refill(s, now)

	if s.tokens < b.TokensRequired {
		deficit := b.TokensRequired - s.tokens
		var retryAfter float64
		if b.RefillPerSec > 0 {
			retryAfter = deficit / b.RefillPerSec
		}
		return Result{Allowed: false, RetryAfterSecs: retryAfter, ResetAt: now.Add(time.Duration(retryAfter * float64(time.Second)))}
	}

	s.tokens -= b.TokensRequired
	return Result{Allowed: true, ResetAt: now}
}

// Info reports the bucket's state for identifier without mutating it.
func (b *TokenBucket) Info(identifier string) Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	key := b.key(identifier)
	s, ok := b.state[key]
	if !ok {
		return Info{Limit: int64(b.Capacity), Remaining: int64(b.Capacity), Reset: now}
	}
	b.refill(s, now)
	return Info{Limit: int64(b.Capacity), Remaining: int64(s.tokens), Reset: now}
}

// Sweep discards bucket state untouched for longer than grace.
func (b *TokenBucket) Sweep(grace time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	removed := 0
	for key, s := range b.state {
		if now.Sub(s.lastRefill) > grace {
			delete(b.state, key)
			removed++
		}
	}
	return removed
}
