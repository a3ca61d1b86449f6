// Copyright 2025 James Ross
package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type taxonomyErr struct{ code string }

func (e taxonomyErr) Error() string { return e.code }
func (e taxonomyErr) Code() string  { return e.code }

func TestIsRetryableClassifiesStatusCodes(t *testing.T) {
	require.True(t, IsRetryable(&StatusError{Err: errors.New("x"), StatusCode: 429}))
	require.True(t, IsRetryable(&StatusError{Err: errors.New("x"), StatusCode: 503}))
	require.True(t, IsRetryable(&StatusError{Err: errors.New("x"), StatusCode: 408}))
	require.False(t, IsRetryable(&StatusError{Err: errors.New("x"), StatusCode: 404}))
}

func TestIsRetryableClassifiesTaxonomyCodes(t *testing.T) {
	require.True(t, IsRetryable(taxonomyErr{"RATE_LIMIT_EXCEEDED"}))
	require.True(t, IsRetryable(taxonomyErr{"SERVICE_UNAVAILABLE"}))
	require.True(t, IsRetryable(taxonomyErr{"TIMEOUT"}))
	require.False(t, IsRetryable(taxonomyErr{"INVALID_API_KEY"}))
}

func TestIsRetryableClassifiesConnectionErrors(t *testing.T) {
	require.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	require.True(t, IsRetryable(errors.New("read: connection reset by peer")))
	require.False(t, IsRetryable(errors.New("invalid argument")))
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	err := Run(Options{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2}, func() error {
		attempts++
		if attempts < 3 {
			return &StatusError{Err: errors.New("unavailable"), StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRunSurfacesOriginalErrorAfterExhaustion(t *testing.T) {
	sentinel := &StatusError{Err: errors.New("still down"), StatusCode: 503}
	attempts := 0
	err := Run(Options{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}, func() error {
		attempts++
		return sentinel
	})
	require.Same(t, sentinel, err)
	require.Equal(t, 3, attempts)
}

func TestRunDoesNotRetryNonRetryableError(t *testing.T) {
	attempts := 0
	notFound := &StatusError{Err: errors.New("nope"), StatusCode: 404}
	err := Run(Options{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}, func() error {
		attempts++
		return notFound
	})
	require.Same(t, notFound, err)
	require.Equal(t, 1, attempts)
}

func TestRunHonorsRetryAfterOverride(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := Run(Options{MaxRetries: 1, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2}, func() error {
		attempts++
		if attempts == 1 {
			return &RetryAfterError{Err: &StatusError{Err: errors.New("slow down"), StatusCode: 429}, RetryAfter: 5 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second, "retry-after override must supersede the huge computed backoff")
}

func TestBackoffDelayCapsAtMaxDelay(t *testing.T) {
	d := backoffDelay(Options{InitialDelay: time.Second, MaxDelay: 2 * time.Second, BackoffMultiplier: 10}, 5)
	require.Equal(t, 2*time.Second, d)
}
