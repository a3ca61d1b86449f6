// Copyright 2025 James Ross
// Package runtracker follows each actor run to a terminal state (spec §4.8):
// a poller queries the actor client at a fixed interval and publishes
// status/progress/cost, while webhook-delivered terminal events reconcile
// the tracked state out of band. Grounded on the teacher's
// internal/reaper ticker-driven background scanner.
package runtracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/actorclient"
	"github.com/scrapeorch/gateway/internal/obs"
)

// Progress is published to the sink/callback on each successful poll.
type Progress struct {
	RunID         string
	Platform      string
	Status        actorclient.Status
	ItemsProcessed int
	Stats         map[string]any
	Cost          float64
}

// Sink receives a Progress update on every poll and a final update when a
// run reaches a terminal state.
type Sink interface {
	Publish(Progress)
}

// Callback is an optional per-run hook, e.g. to wake a waiting HTTP caller.
type Callback func(Progress)

type trackedRun struct {
	runID    string
	platform string
	cancel   context.CancelFunc
}

// Tracker polls the actor client for each run it is told to track, stopping
// on terminal state or explicit Forget.
type Tracker struct {
	Client       *actorclient.Client
	Sink         Sink
	PollInterval time.Duration
	Logger       *zap.Logger

	mu      sync.Mutex
	runs    map[string]*trackedRun
	status  map[string]actorclient.Status
	wg      sync.WaitGroup
}

// New builds a Tracker. pollInterval defaults to 10s when zero, matching
// spec §4.8's default.
func New(client *actorclient.Client, sink Sink, pollInterval time.Duration, logger *zap.Logger) *Tracker {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Tracker{
		Client:       client,
		Sink:         sink,
		PollInterval: pollInterval,
		Logger:       logger,
		runs:         make(map[string]*trackedRun),
		status:       make(map[string]actorclient.Status),
	}
}

// Track begins polling runID for platform until it reaches a terminal
// state or ctx is canceled. cb, if non-nil, is invoked on every update in
// addition to the Sink.
func (t *Tracker) Track(ctx context.Context, runID, platform string, cb Callback) {
	runCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if _, exists := t.runs[runID]; exists {
		t.mu.Unlock()
		cancel()
		return
	}
	t.runs[runID] = &trackedRun{runID: runID, platform: platform, cancel: cancel}
	t.status[runID] = actorclient.StatusRunning
	t.mu.Unlock()

	obs.RunsTracked.WithLabelValues(platform).Inc()

	t.wg.Add(1)
	go t.poll(runCtx, runID, platform, cb)
}

// Forget stops polling runID without waiting for a terminal state (e.g. on
// explicit abort).
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.runs[runID]; ok {
		tr.cancel()
		delete(t.runs, runID)
		delete(t.status, runID)
	}
}

// Status reports the last known status for runID, or false if untracked.
func (t *Tracker) Status(runID string) (actorclient.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.status[runID]
	return s, ok
}

// Wait blocks until every in-flight poll goroutine has exited; used by
// tests and graceful shutdown.
func (t *Tracker) Wait() { t.wg.Wait() }

func (t *Tracker) poll(ctx context.Context, runID, platform string, cb Callback) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.runs, runID)
		t.mu.Unlock()
		obs.RunsTracked.WithLabelValues(platform).Dec()
	}()

	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

	for {
		run, err := t.Client.Get(ctx, runID)
		if err != nil {
			if t.Logger != nil {
				t.Logger.Warn("runtracker: poll failed", zap.String("run_id", runID), obs.Err(err))
			}
		} else {
			t.advance(platform, run, cb)
			if run.Status.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// advance reconciles newStatus into the tracked state. Terminal states are
// monotonic (spec §3 ActorRun invariant): once recorded, advance never
// regresses a run back to a non-terminal status, which is how a webhook's
// terminal event and the poller's next tick can race without corrupting
// state (spec §4.8: "idempotent reconciliations").
func (t *Tracker) advance(platform string, run *actorclient.Run, cb Callback) {
	t.mu.Lock()
	prev, known := t.status[run.ID]
	if known && prev.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status[run.ID] = run.Status
	t.mu.Unlock()

	if run.Status.Terminal() {
		obs.RunsTerminal.WithLabelValues(platform, string(run.Status)).Inc()
	}

	items := 0
	var cost float64
	if run.Stats != nil {
		if v, ok := run.Stats["itemsProcessed"].(float64); ok {
			items = int(v)
		}
		if v, ok := run.Stats["cost"].(float64); ok {
			cost = v
		}
	}
	progress := Progress{RunID: run.ID, Platform: platform, Status: run.Status, ItemsProcessed: items, Stats: run.Stats, Cost: cost}

	if t.Sink != nil {
		t.Sink.Publish(progress)
	}
	if cb != nil {
		cb(progress)
	}
}

// Reconcile applies a webhook-delivered terminal status for runID directly,
// without waiting for the next poll tick (spec §4.8/§4.9 interaction: a
// webhook can arrive before the poller's next tick). The status is recorded
// even for a run that isn't being polled; it is a no-op once a terminal
// status is recorded. A terminal status also stops polling runID.
func (t *Tracker) Reconcile(platform, runID string, status actorclient.Status) {
	t.mu.Lock()
	prev, known := t.status[runID]
	if known && prev.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status[runID] = status
	t.mu.Unlock()

	if status.Terminal() {
		obs.RunsTerminal.WithLabelValues(platform, string(status)).Inc()
		t.mu.Lock()
		if tr, ok := t.runs[runID]; ok {
			tr.cancel()
			delete(t.runs, runID)
		}
		t.mu.Unlock()
	}
}
