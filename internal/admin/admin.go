// Copyright 2025 James Ross
// Package admin implements the operational surface named in spec §6:
// queue pause/resume/clean, webhook retry-dlq, key create/rotate/revoke,
// health, and metrics. cmd/orchctl (the CLI) and the gateway's HTTP
// admin routes are both thin wrappers over the same Registry so the two
// surfaces can never drift. Grounded on the teacher's internal/admin Stats/
// Peek/PurgeDLQ shape, rewired from raw Redis list scans onto this
// project's internal/queue.Queue and internal/apikey.Manager domain types.
package admin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/apikey"
	"github.com/scrapeorch/gateway/internal/obs"
	"github.com/scrapeorch/gateway/internal/queue"
)

// Registry is the set of named queues and supporting managers an operator
// can act on. cmd/gateway builds one at startup and exposes it via
// RegisterRoutes; cmd/orchctl builds its own in its own process against the
// same Redis.
type Registry struct {
	Queues map[string]*queue.Queue
	Keys   *apikey.Manager
	Redis  *redis.Client
	Logger *zap.Logger
}

// NewRegistry builds a Registry. queues is keyed by the operator-facing
// queue name used on the CLI (spec §6: `queue pause/resume/clean <queueName>`).
func NewRegistry(queues map[string]*queue.Queue, keys *apikey.Manager, rdb *redis.Client, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{Queues: queues, Keys: keys, Redis: rdb, Logger: logger}
}

var ErrUnknownQueue = fmt.Errorf("admin: unknown queue")

func (r *Registry) queue(name string) (*queue.Queue, error) {
	q, ok := r.Queues[name]
	if !ok {
		names := make([]string, 0, len(r.Queues))
		for n := range r.Queues {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w %q; known queues: %v", ErrUnknownQueue, name, names)
	}
	return q, nil
}

// Pause stops a named queue's workers from claiming new jobs.
func (r *Registry) Pause(ctx context.Context, name string) error {
	q, err := r.queue(name)
	if err != nil {
		return err
	}
	return q.Pause(ctx)
}

// Resume re-allows a named queue to hand out jobs.
func (r *Registry) Resume(ctx context.Context, name string) error {
	q, err := r.queue(name)
	if err != nil {
		return err
	}
	return q.Resume(ctx)
}

// Clean empties the named queue's completed, failed, or dead list.
func (r *Registry) Clean(ctx context.Context, name string, status queue.Status) error {
	q, err := r.queue(name)
	if err != nil {
		return err
	}
	return q.Clean(ctx, status)
}

// Peek returns up to n jobs from the named queue's given state, for
// operator inspection without draining the queue.
func (r *Registry) Peek(ctx context.Context, name string, status queue.Status, n int64) ([]queue.Job, error) {
	q, err := r.queue(name)
	if err != nil {
		return nil, err
	}
	return q.Peek(ctx, status, n)
}

// RetryDLQ requeues every dead-lettered job on the named queue, for the
// `webhook retry-dlq` CLI command (spec §6).
func (r *Registry) RetryDLQ(ctx context.Context, name string) (int, error) {
	q, err := r.queue(name)
	if err != nil {
		return 0, err
	}
	return q.RequeueDead(ctx)
}

// StatsResult summarizes every registered queue's state counts.
type StatsResult struct {
	Queues map[string]queue.Counts `json:"queues"`
}

// Stats reports Counts for every registered queue, the `metrics` CLI
// command's data source alongside the Prometheus /metrics endpoint
// obs.StartHTTPServer exposes.
func (r *Registry) Stats(ctx context.Context) (StatsResult, error) {
	res := StatsResult{Queues: map[string]queue.Counts{}}
	for name, q := range r.Queues {
		c, err := q.Counts(ctx)
		if err != nil {
			return res, fmt.Errorf("stats %s: %w", name, err)
		}
		res.Queues[name] = c
	}
	return res, nil
}

// HealthResult reports whether the durable backend is reachable.
type HealthResult struct {
	Redis   bool          `json:"redis"`
	Latency time.Duration `json:"latency"`
}

// Health pings Redis, the `health` CLI command's data source.
func (r *Registry) Health(ctx context.Context) (HealthResult, error) {
	start := time.Now()
	err := r.Redis.Ping(ctx).Err()
	res := HealthResult{Redis: err == nil, Latency: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("health: redis ping: %w", err)
	}
	return res, nil
}

// KeyView is the create/rotate response: the raw secret is shown exactly
// once (spec §3 APIKey invariant), after which only the hashed record
// persists.
type KeyView struct {
	ID        string  `json:"id"`
	RawKey    string  `json:"rawKey"`
	Name      string  `json:"name"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
}

// CreateKey mints a new API key for `key create`.
func (r *Registry) CreateKey(name string, permissions []string, limits apikey.RateLimits, ttl time.Duration) (KeyView, error) {
	raw, key, err := r.Keys.Create(name, permissions, limits, ttl)
	if err != nil {
		return KeyView{}, err
	}
	return toKeyView(raw, key), nil
}

// RotateKey replaces id with a freshly minted key carrying identical
// permissions/limits, for `key rotate <id>`.
func (r *Registry) RotateKey(id string) (KeyView, error) {
	raw, key, err := r.Keys.Rotate(id)
	if err != nil {
		return KeyView{}, err
	}
	return toKeyView(raw, key), nil
}

// RevokeKey flips id inactive, for `key revoke <id> [--reason]`.
func (r *Registry) RevokeKey(id, reason string) error {
	return r.Keys.Revoke(id, reason)
}

func toKeyView(raw string, key *apikey.Key) KeyView {
	v := KeyView{ID: key.ID, RawKey: raw, Name: key.Name}
	if key.ExpiresAt != nil {
		s := key.ExpiresAt.Format(time.RFC3339)
		v.ExpiresAt = &s
	}
	return v
}

// RegisterRoutes mounts the same operations as an HTTP admin surface
// alongside the gateway and webhook ingress routes (SPEC_FULL.md's HTTP
// routing table), for operators who prefer curl over orchctl.
func (r *Registry) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/admin").Subrouter()
	sub.HandleFunc("/health", r.handleHealth).Methods("GET")
	sub.HandleFunc("/stats", r.handleStats).Methods("GET")
	sub.HandleFunc("/queues/{name}/pause", r.handlePause).Methods("POST")
	sub.HandleFunc("/queues/{name}/resume", r.handleResume).Methods("POST")
	sub.HandleFunc("/queues/{name}/clean/{status}", r.handleClean).Methods("POST")
	sub.HandleFunc("/queues/{name}/peek/{status}", r.handlePeek).Methods("GET")
	sub.HandleFunc("/queues/{name}/retry-dlq", r.handleRetryDLQ).Methods("POST")
}

func (r *Registry) logFailed(op string, err error) {
	r.Logger.Warn("admin: operation failed", obs.String("op", op), obs.Err(err))
}
