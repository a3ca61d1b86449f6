// Copyright 2025 James Ross
package runtracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeorch/gateway/internal/actorclient"
)

type fakeSink struct {
	mu      sync.Mutex
	updates []Progress
}

func (s *fakeSink) Publish(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, p)
}

func (s *fakeSink) snapshot() []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Progress, len(s.updates))
	copy(out, s.updates)
	return out
}

func TestTrackerPollsUntilTerminalAndStops(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		status := actorclient.StatusRunning
		if n >= 3 {
			status = actorclient.StatusSucceed
		}
		json.NewEncoder(w).Encode(actorclient.Run{ID: "run1", Status: status})
	}))
	defer srv.Close()

	client := actorclient.New(srv.URL, "", time.Second)
	sink := &fakeSink{}
	tr := New(client, sink, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr.Track(ctx, "run1", "tiktok", nil)
	tr.Wait()

	status, ok := tr.Status("run1")
	require.True(t, ok)
	require.Equal(t, actorclient.StatusSucceed, status)

	updates := sink.snapshot()
	require.NotEmpty(t, updates)
	require.Equal(t, actorclient.StatusSucceed, updates[len(updates)-1].Status)
}

func TestTrackerIgnoresDuplicateTrackCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(actorclient.Run{ID: "run1", Status: actorclient.StatusSucceed})
	}))
	defer srv.Close()

	client := actorclient.New(srv.URL, "", time.Second)
	tr := New(client, nil, 5*time.Millisecond, zap.NewNop())

	ctx := context.Background()
	tr.Track(ctx, "run1", "tiktok", nil)
	tr.Track(ctx, "run1", "tiktok", nil) // no-op: already tracked
	tr.Wait()

	_, ok := tr.Status("run1")
	require.True(t, ok)
}

func TestReconcileNeverRegressesFromTerminal(t *testing.T) {
	tr := New(actorclient.New("http://unused", "", time.Second), nil, time.Hour, zap.NewNop())

	tr.Reconcile("tiktok", "run1", actorclient.StatusSucceed)
	status, ok := tr.Status("run1")
	require.True(t, ok)
	require.Equal(t, actorclient.StatusSucceed, status)

	// An out-of-order webhook for the same run must not regress it back to RUNNING.
	tr.Reconcile("tiktok", "run1", actorclient.StatusRunning)
	status, ok = tr.Status("run1")
	require.True(t, ok)
	require.Equal(t, actorclient.StatusSucceed, status)
}

func TestForgetStopsPolling(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		json.NewEncoder(w).Encode(actorclient.Run{ID: "run1", Status: actorclient.StatusRunning})
	}))
	defer srv.Close()

	client := actorclient.New(srv.URL, "", time.Second)
	tr := New(client, nil, 5*time.Millisecond, zap.NewNop())

	ctx := context.Background()
	tr.Track(ctx, "run1", "tiktok", nil)
	time.Sleep(20 * time.Millisecond)
	tr.Forget("run1")
	tr.Wait()

	_, ok := tr.Status("run1")
	require.False(t, ok)
}
