package idempotency

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

func TestGuardCachesFinalResult(t *testing.T) {
	guard := NewGuard()
	var calls atomic.Int32

	op := func(ctx context.Context) ([]byte, bool, error) {
		calls.Add(1)
		return []byte("mined"), true, nil
	}

	first, replayed, err := guard.Do(context.Background(), "anchor", op)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "mined", string(first))

	second, replayed, err := guard.Do(context.Background(), "anchor", op)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "mined", string(second))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuardDoesNotCacheNonFinalResult(t *testing.T) {
	guard := NewGuard()
	var calls atomic.Int32

	op := func(ctx context.Context) ([]byte, bool, error) {
		calls.Add(1)
		return []byte("reverted"), false, nil
	}

	for i := 0; i < 2; i++ {
		result, replayed, err := guard.Do(context.Background(), "anchor", op)
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.Equal(t, "reverted", string(result))
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestGuardReleasesOnError(t *testing.T) {
	guard := NewGuard()
	boom := errors.New("rpc down")

	_, _, err := guard.Do(context.Background(), "anchor", func(ctx context.Context) ([]byte, bool, error) {
		return nil, false, boom
	})
	assert.ErrorIs(t, err, boom)

	result, replayed, err := guard.Do(context.Background(), "anchor", func(ctx context.Context) ([]byte, bool, error) {
		return []byte("ok"), true, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "ok", string(result))
}

func TestGuardConcurrentCallersShareOneExecution(t *testing.T) {
	guard := NewGuard(WithTTL(time.Minute))
	var calls atomic.Int32
	release := make(chan struct{})

	op := func(ctx context.Context) ([]byte, bool, error) {
		calls.Add(1)
		<-release
		return []byte("mined"), true, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := guard.Do(context.Background(), "anchor", op)
			assert.NoError(t, err)
			results[i] = string(r)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "mined", r)
	}
}

func TestGuardWithKeyGenerator(t *testing.T) {
	store := NewInMemoryStore(time.Minute)
	guard := NewGuard(WithStore(store), WithKeyGenerator(func(anchor string) string { return "fixed" }))

	_, _, err := guard.Do(context.Background(), "a", func(ctx context.Context) ([]byte, bool, error) {
		return []byte("x"), true, nil
	})
	require.NoError(t, err)

	status, result, err := store.CheckAndMark(context.Background(), "fixed")
	require.NoError(t, err)
	assert.Equal(t, StatusCached, status)
	assert.Equal(t, "x", string(result))
}
