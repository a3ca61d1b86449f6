// Copyright 2025 James Ross
package webhookhandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/actorclient"
	"github.com/scrapeorch/gateway/internal/alerts"
	"github.com/scrapeorch/gateway/internal/creator"
	"github.com/scrapeorch/gateway/internal/queue"
	"github.com/scrapeorch/gateway/internal/webhookingress"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakeProcessor) Process(ctx context.Context, platform string, items []json.RawMessage) ([]creator.UnifiedCreator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return []creator.UnifiedCreator{{Name: "placeholder", SourceActorID: platform}}, nil
}

type fakeCreatorUpserter struct {
	mu       sync.Mutex
	upserted []creator.UnifiedCreator
}

func (u *fakeCreatorUpserter) Upsert(ctx context.Context, platform string, creators []creator.UnifiedCreator) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.upserted = append(u.upserted, creators...)
	return nil
}

type fakeReconciler struct {
	mu       sync.Mutex
	reconciled []struct {
		platform, runID string
		status          actorclient.Status
	}
}

func (r *fakeReconciler) Reconcile(platform, runID string, status actorclient.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciled = append(r.reconciled, struct {
		platform, runID string
		status          actorclient.Status
	}{platform, runID, status})
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []alerts.Event
}

func (a *fakeAlerter) Publish(e alerts.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func jobFor(eventType, actorID, runID, platform string) queue.Job {
	return queue.New("evt1", QueueName, eventType, 0, queue.Data{
		Platform: platform,
		Metadata: map[string]interface{}{"eventType": eventType, "actorId": actorID, "runId": runID},
	}, WebhookMaxAttempts, nil)
}

func TestHandleJobSucceededFetchesDatasetAndReconciles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/actor-runs/run1":
			json.NewEncoder(w).Encode(actorclient.Run{ID: "run1", Status: actorclient.StatusSucceed, DefaultDatasetID: "ds1"})
		case r.URL.Path == "/datasets/ds1/items":
			json.NewEncoder(w).Encode([]json.RawMessage{json.RawMessage(`{"a":1}`)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := actorclient.New(srv.URL, "", time.Second)
	proc := &fakeProcessor{}
	creators := &fakeCreatorUpserter{}
	rec := &fakeReconciler{}
	h := New(client, proc, creators, rec, nil, zap.NewNop())

	err := h.HandleJob(context.Background(), jobFor("ACTOR.RUN.SUCCEEDED", "actor1", "run1", "tiktok"))
	require.NoError(t, err)
	require.Equal(t, 1, proc.calls)
	require.Len(t, creators.upserted, 1)
	require.Len(t, rec.reconciled, 1)
	require.Equal(t, actorclient.StatusSucceed, rec.reconciled[0].status)
}

func TestHandleJobSucceededPropagatesProcessorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/actor-runs/run1":
			json.NewEncoder(w).Encode(actorclient.Run{ID: "run1", Status: actorclient.StatusSucceed, DefaultDatasetID: "ds1"})
		case r.URL.Path == "/datasets/ds1/items":
			json.NewEncoder(w).Encode([]json.RawMessage{})
		}
	}))
	defer srv.Close()

	client := actorclient.New(srv.URL, "", time.Second)
	proc := &fakeProcessor{err: errBoom}
	h := New(client, proc, nil, nil, nil, zap.NewNop())

	err := h.HandleJob(context.Background(), jobFor("ACTOR.RUN.SUCCEEDED", "actor1", "run1", "tiktok"))
	require.Error(t, err)
}

func TestHandleJobFailedReconcilesAndAlerts(t *testing.T) {
	rec := &fakeReconciler{}
	al := &fakeAlerter{}
	h := New(nil, nil, nil, rec, al, zap.NewNop())

	err := h.HandleJob(context.Background(), jobFor("ACTOR.RUN.FAILED", "actor1", "run1", "tiktok"))
	require.NoError(t, err)
	require.Len(t, rec.reconciled, 1)
	require.Equal(t, actorclient.StatusFailed, rec.reconciled[0].status)
	require.Len(t, al.events, 1)
	require.Equal(t, "ACTOR.RUN.FAILED", al.events[0].Type)
}

func TestHandleJobAbortedAndTimedOutMapCorrectStatus(t *testing.T) {
	rec := &fakeReconciler{}
	h := New(nil, nil, nil, rec, nil, zap.NewNop())

	require.NoError(t, h.HandleJob(context.Background(), jobFor("ACTOR.RUN.ABORTED", "a", "run2", "reddit")))
	require.NoError(t, h.HandleJob(context.Background(), jobFor("ACTOR.RUN.TIMED_OUT", "a", "run3", "reddit")))

	require.Len(t, rec.reconciled, 2)
	require.Equal(t, actorclient.StatusAborted, rec.reconciled[0].status)
	require.Equal(t, actorclient.StatusTimedOut, rec.reconciled[1].status)
}

func TestHandleJobUnrecognizedEventTypeIsDroppedNotRetried(t *testing.T) {
	h := New(nil, nil, nil, nil, nil, zap.NewNop())
	err := h.HandleJob(context.Background(), jobFor("SOMETHING.ELSE", "a", "run4", "x"))
	require.NoError(t, err)
}

func TestQueueAdapterEnqueueRejectsUnstagedEvent(t *testing.T) {
	adapter := NewQueueAdapter(nil, 0)
	err := adapter.Enqueue("never-saved")
	require.Error(t, err)
}

func TestQueueAdapterSaveStagesEventForEnqueue(t *testing.T) {
	adapter := NewQueueAdapter(nil, 0)
	require.NoError(t, adapter.Save(webhookingress.Event{ID: "evt-1", Provider: "apify", EventType: "ACTOR.RUN.SUCCEEDED"}))

	adapter.mu.Lock()
	_, staged := adapter.pending["evt-1"]
	adapter.mu.Unlock()
	require.True(t, staged)
}

func TestSweepOnceAlertsWhenDeadLetterExceedsThreshold(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, QueueName, 1000, 5000)
	ctx := context.Background()

	for i := 0; i < DeadLetterThreshold+1; i++ {
		job := queue.New(string(rune('a'+i)), QueueName, "ACTOR.RUN.FAILED", 0, queue.Data{Platform: "tiktok"}, 1, nil)
		require.NoError(t, q.Enqueue(ctx, job))
		claimed, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.DeadLetter(ctx, claimed, "boom"))
	}

	al := &fakeAlerter{}
	s := NewSweeper(q, al, zap.NewNop())
	s.sweepOnce()

	require.Len(t, al.events, 1)
	require.Equal(t, "dlq_threshold", al.events[0].Type)
}

func TestSweepOnceDoesNotAlertUnderThreshold(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, QueueName, 1000, 5000)
	ctx := context.Background()

	job := queue.New("only-one", QueueName, "ACTOR.RUN.FAILED", 0, queue.Data{Platform: "tiktok"}, 1, nil)
	require.NoError(t, q.Enqueue(ctx, job))
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, claimed, "boom"))

	al := &fakeAlerter{}
	s := NewSweeper(q, al, zap.NewNop())
	s.sweepOnce()

	require.Empty(t, al.events)
}

var errBoom = errors.New("boom")
