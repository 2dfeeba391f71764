//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noahlevine1717/clawd-domain-marketplace/pkg/testutil/containers"
)

func TestRedisStore(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()

	t.Run("mark then complete", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		store := NewRedisStore(rc.Client, time.Minute)

		status, _, err := store.CheckAndMark(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, StatusNotFound, status)

		status, _, err = store.CheckAndMark(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, StatusInFlight, status)

		require.NoError(t, store.Complete(ctx, "k1", []byte("mined")))

		status, result, err := store.CheckAndMark(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, StatusCached, status)
		assert.Equal(t, "mined", string(result))
	})

	t.Run("fail releases waiters", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		store := NewRedisStore(rc.Client, time.Minute)

		_, _, err := store.CheckAndMark(ctx, "k2")
		require.NoError(t, err)

		go func() {
			time.Sleep(150 * time.Millisecond)
			_ = store.Fail(ctx, "k2")
		}()

		result, err := store.WaitForResult(ctx, "k2")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("guard over redis", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		guard := NewGuard(WithStore(NewRedisStore(rc.Client, time.Minute)))

		calls := 0
		op := func(ctx context.Context) ([]byte, bool, error) {
			calls++
			return []byte("mined"), true, nil
		}
		_, _, err := guard.Do(ctx, "anchor", op)
		require.NoError(t, err)
		_, replayed, err := guard.Do(ctx, "anchor", op)
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, 1, calls)
	})
}
