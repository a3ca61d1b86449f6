// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Distributed is the shared-store variant used when several gateway
// processes must agree on one limit (spec §5 "Shared-resource policy"): a
// sliding-window sorted set scored by request timestamp, trimmed with
// ZREMRANGEBYSCORE before each ZCARD/ZADD.
type Distributed struct {
	rdb    *redis.Client
	Limit  int64
	Window time.Duration
	Prefix string
}

// NewDistributed builds a distributed limiter admitting limit requests per
// window, keyed under prefix in Redis.
func NewDistributed(rdb *redis.Client, prefix string, limit int64, window time.Duration) *Distributed {
	return &Distributed{rdb: rdb, Limit: limit, Window: window, Prefix: prefix}
}

func (d *Distributed) key(identifier string) string {
	return fmt.Sprintf("%s:ratelimit:%s", d.Prefix, identifier)
}

// Check admits or denies one request for identifier against the shared
// window. member must be unique per request (e.g. a uuid) to avoid
// collisions within the same millisecond.
func (d *Distributed) Check(ctx context.Context, identifier, member string) (Result, error) {
	key := d.key(identifier)
	now := time.Now()
	windowStart := now.Add(-d.Window)

	pipe := d.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: trim window: %w", err)
	}

	if card.Val() >= d.Limit {
		resetAt := now.Add(d.Window)
		return Result{Allowed: false, RetryAfterSecs: d.Window.Seconds(), ResetAt: resetAt}, nil
	}

	addPipe := d.rdb.TxPipeline()
	addPipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	addPipe.Expire(ctx, key, d.Window)
	if _, err := addPipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: record request: %w", err)
	}

	return Result{Allowed: true, ResetAt: now.Add(d.Window)}, nil
}

// Info reports the window's current occupancy for identifier without
// mutating it (beyond the routine ZREMRANGEBYSCORE trim).
func (d *Distributed) Info(ctx context.Context, identifier string) (Info, error) {
	key := d.key(identifier)
	now := time.Now()
	windowStart := now.Add(-d.Window)

	if err := d.rdb.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano())).Err(); err != nil {
		return Info{}, fmt.Errorf("ratelimit: trim window: %w", err)
	}
	count, err := d.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return Info{}, fmt.Errorf("ratelimit: card: %w", err)
	}
	return Info{Limit: d.Limit, Remaining: d.Limit - count, Reset: now.Add(d.Window)}, nil
}
