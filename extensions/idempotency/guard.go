package idempotency

import (
	"context"
	"fmt"
	"time"
)

// Operation performs the guarded work. final reports whether result should be
// cached for later callers; a false value releases the slot for a retry.
type Operation func(ctx context.Context) (result []byte, final bool, err error)

// Guard runs operations at most once per anchor at a time.
type Guard struct {
	store        AttemptStore
	keyGenerator KeyGenerator
}

// NewGuard creates a Guard.
//
// Default configuration:
//   - InMemoryStore with 30-minute TTL
//   - SHA256 key generator
func NewGuard(opts ...Option) *Guard {
	cfg := &config{
		ttl:          30 * time.Minute,
		keyGenerator: DefaultKeyGenerator,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := cfg.store
	if store == nil {
		store = NewInMemoryStore(cfg.ttl)
	}
	return &Guard{store: store, keyGenerator: cfg.keyGenerator}
}

// Do runs op for anchor unless a final result is cached or another caller is
// already running it, in which case that caller's result is returned.
// replayed is true when the result did not come from this call's op.
func (g *Guard) Do(ctx context.Context, anchor string, op Operation) (result []byte, replayed bool, err error) {
	key := g.keyGenerator(anchor)

	for {
		status, cached, err := g.store.CheckAndMark(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("idempotency check failed: %w", err)
		}

		switch status {
		case StatusCached:
			return cached, true, nil

		case StatusInFlight:
			waited, err := g.store.WaitForResult(ctx, key)
			if err != nil {
				return nil, false, err
			}
			if waited != nil {
				return waited, true, nil
			}
			// In-flight request failed, try for the slot again
			continue
		}

		result, final, opErr := op(ctx)
		if opErr != nil || !final {
			if err := g.store.Fail(context.WithoutCancel(ctx), key); err != nil {
				return result, false, fmt.Errorf("failed to release idempotency key: %w", err)
			}
			return result, false, opErr
		}

		if err := g.store.Complete(context.WithoutCancel(ctx), key, result); err != nil {
			return result, false, fmt.Errorf("failed to record result: %w", err)
		}
		return result, false, nil
	}
}
