package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// AttemptStatus is what CheckAndMark found for a relay attempt.
type AttemptStatus int

const (
	// StatusNotFound means the caller now owns the attempt.
	StatusNotFound AttemptStatus = iota
	// StatusCached means a final outcome is already recorded.
	StatusCached
	// StatusInFlight means another caller is relaying the same authorization.
	StatusInFlight
)

func (s AttemptStatus) String() string {
	switch s {
	case StatusCached:
		return "cached"
	case StatusInFlight:
		return "in_flight"
	default:
		return "not_found"
	}
}

// AttemptStore records relay attempts keyed by authorization. Implementations
// must be safe for concurrent use. Outcomes are opaque bytes so a shared
// backend such as Redis can hold them.
type AttemptStore interface {
	// CheckAndMark atomically checks the store and marks the key as in-flight if needed.
	//
	// Returns:
	//   - StatusCached + result: A cached result exists, return it immediately
	//   - StatusInFlight + nil: Another request is processing, call WaitForResult
	//   - StatusNotFound + nil: This request should proceed (now marked in-flight)
	CheckAndMark(ctx context.Context, key string) (AttemptStatus, []byte, error)

	// WaitForResult waits for an in-flight request to complete, respecting context cancellation.
	//
	// Returns:
	//   - The cached result if the in-flight request succeeded
	//   - nil if the in-flight request failed (caller should retry)
	//   - Error if context was cancelled
	WaitForResult(ctx context.Context, key string) ([]byte, error)

	// Complete caches the result and releases the in-flight marker.
	Complete(ctx context.Context, key string, result []byte) error

	// Fail removes the in-flight marker without caching a result,
	// signaling waiters that they should retry.
	Fail(ctx context.Context, key string) error
}

// KeyGenerator derives the store key for an idempotency anchor.
type KeyGenerator func(anchor string) string

// DefaultKeyGenerator hashes the anchor with SHA256 so keys have a fixed
// length regardless of the anchor's shape.
func DefaultKeyGenerator(anchor string) string {
	hash := sha256.Sum256([]byte(anchor))
	return hex.EncodeToString(hash[:])
}
