// ABOUTME: Tests for the security token cache
// ABOUTME: Validates TTL expiry, refresh coalescing, failure recovery, and forced refresh

package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Get_FetchesWhenEmpty(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "tok-1", nil
	}, time.Minute, nil)

	tok, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Get_ServesCachedWhileFresh(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "tok-1", nil
	}, time.Minute, nil)

	_, err := cache.Get(context.Background())
	require.NoError(t, err)

	// Second call within TTL must not hit the fetcher
	tok, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Get_RefetchesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			return "tok-1", nil
		}
		return "tok-2", nil
	}, 10*time.Millisecond, nil)

	tok, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	time.Sleep(20 * time.Millisecond)

	tok, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Get_CoalescesConcurrentRefreshes(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cache := New(func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared-tok", nil
	}, time.Minute, nil)

	const waiters = 10
	results := make([]string, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background())
		}(i)
	}

	// Let all waiters pile onto the single in-flight fetch
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-tok", results[i])
	}
}

func TestCache_Get_FailureDoesNotPoison(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("backend down")
		}
		return "tok-after-recovery", nil
	}, time.Minute, nil)

	_, err := cache.Get(context.Background())
	require.Error(t, err)
	assert.Empty(t, cache.Current())

	// Next Get starts a clean attempt rather than serving the failure
	tok, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-after-recovery", tok)
}

func TestCache_Get_CancelledWaiterLeavesRefreshRunning(t *testing.T) {
	release := make(chan struct{})
	cache := New(func(ctx context.Context) (string, error) {
		<-release
		return "late-tok", nil
	}, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	// The detached fetch still completes and lands in the cache
	close(release)
	assert.Eventually(t, func() bool {
		return cache.Current() == "late-tok"
	}, time.Second, 5*time.Millisecond)
}

func TestCache_Refresh_BypassesCachedValue(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			return "tok-1", nil
		}
		return "tok-2", nil
	}, time.Minute, nil)

	cache.Set("seeded")
	require.True(t, cache.Valid())

	tok, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, "tok-1", cache.Current())
}

func TestCache_Refresh_FailureClearsCache(t *testing.T) {
	cache := New(func(ctx context.Context) (string, error) {
		return "", errors.New("backend down")
	}, time.Minute, nil)

	cache.Set("seeded")

	_, err := cache.Refresh(context.Background())
	require.Error(t, err)
	assert.Empty(t, cache.Current())
	assert.False(t, cache.Valid())
}

func TestCache_ForceRefresh(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "fresh-tok", nil
	}, time.Minute, nil)

	cache.Set("stale-but-valid")

	tok, err := cache.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-tok", tok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_SetAndClear(t *testing.T) {
	cache := New(nil, time.Minute, nil)

	cache.Set("manual-tok")
	assert.Equal(t, "manual-tok", cache.Current())
	assert.True(t, cache.Valid())

	cache.Clear()
	assert.Empty(t, cache.Current())
	assert.False(t, cache.Valid())
}

func TestCache_ZeroTTLUsesDefault(t *testing.T) {
	cache := New(nil, 0, nil)
	assert.Equal(t, DefaultTTL, cache.ttl)
}
