// Copyright 2025 James Ross
package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Under concurrent load, only a single probe may be in flight in HalfOpen.
func TestBreakerHalfOpenSingleProbeUnderLoad(t *testing.T) {
	cb := New("downstream", 2, 20*time.Millisecond)
	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))
	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))
	require.Equal(t, Open, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, cb.State())

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if cb.allow() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, admitted, "exactly one probe must be admitted")
}
