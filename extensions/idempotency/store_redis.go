package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resultKeyPrefix   = "clawd:relay:result:"
	inFlightKeyPrefix = "clawd:relay:inflight:"
)

// RedisStore implements AttemptStore on Redis so that every server instance
// sees the same in-flight markers and cached results.
type RedisStore struct {
	client       redis.UniversalClient
	ttl          time.Duration
	lockTTL      time.Duration
	pollInterval time.Duration
}

// NewRedisStore creates a store whose results live for ttl. In-flight markers
// expire after two minutes, which outlasts the relayer's confirmation timeout,
// so a crashed holder cannot block a key forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:       client,
		ttl:          ttl,
		lockTTL:      2 * time.Minute,
		pollInterval: 100 * time.Millisecond,
	}
}

func (s *RedisStore) CheckAndMark(ctx context.Context, key string) (AttemptStatus, []byte, error) {
	result, err := s.client.Get(ctx, resultKeyPrefix+key).Bytes()
	switch {
	case err == nil:
		return StatusCached, result, nil
	case !errors.Is(err, redis.Nil):
		return StatusNotFound, nil, fmt.Errorf("redis get: %w", err)
	}

	acquired, err := s.client.SetNX(ctx, inFlightKeyPrefix+key, "1", s.lockTTL).Result()
	if err != nil {
		return StatusNotFound, nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !acquired {
		return StatusInFlight, nil, nil
	}

	// A holder may have completed between the GET and the SETNX.
	result, err = s.client.Get(ctx, resultKeyPrefix+key).Bytes()
	if err == nil {
		s.client.Del(ctx, inFlightKeyPrefix+key)
		return StatusCached, result, nil
	}
	return StatusNotFound, nil, nil
}

// WaitForResult polls until the in-flight marker disappears.
func (s *RedisStore) WaitForResult(ctx context.Context, key string) ([]byte, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		result, err := s.client.Get(ctx, resultKeyPrefix+key).Bytes()
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis get: %w", err)
		}

		n, err := s.client.Exists(ctx, inFlightKeyPrefix+key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists: %w", err)
		}
		if n == 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *RedisStore) Complete(ctx context.Context, key string, result []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKeyPrefix+key, result, s.ttl)
		pipe.Del(ctx, inFlightKeyPrefix+key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, inFlightKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var _ AttemptStore = (*RedisStore)(nil)
