package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps relay attempts in process. Waiters block on a channel
// closed when the owning attempt finishes; expired outcomes are dropped lazily.
// Use RedisStore when more than one server relays from the same gas account.
type InMemoryStore struct {
	mu       sync.Mutex
	results  map[string][]byte
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewInMemoryStore returns a store that remembers final outcomes for ttl.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	return &InMemoryStore{
		results:  make(map[string][]byte),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
func (s *InMemoryStore) CheckAndMark(ctx context.Context, key string) (AttemptStatus, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result, ok := s.getLocked(key); ok {
		return StatusCached, result, nil
	}

	if _, exists := s.inFlight[key]; exists {
		return StatusInFlight, nil, nil
	}

	s.inFlight[key] = make(chan struct{})
	return StatusNotFound, nil, nil
}

// WaitForResult blocks until the in-flight request for key finishes. It
// returns nil, nil when that request did not cache a result.
func (s *InMemoryStore) WaitForResult(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	done, exists := s.inFlight[key]
	if !exists {
		result, _ := s.getLocked(key)
		s.mu.Unlock()
		return result, nil
	}
	s.mu.Unlock()

	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		result, _ := s.getLocked(key)
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// getLocked returns the cached result if it exists and hasn't expired.
// Must be called with lock held.
func (s *InMemoryStore) getLocked(key string) ([]byte, bool) {
	expiry, exists := s.expiry[key]
	if !exists {
		return nil, false
	}
	if !s.now().Before(expiry) {
		delete(s.results, key)
		delete(s.expiry, key)
		return nil, false
	}
	return s.results[key], true
}

// Complete caches result and signals any waiting goroutines.
func (s *InMemoryStore) Complete(ctx context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[key] = result
	s.expiry[key] = s.now().Add(s.ttl)
	s.releaseLocked(key)
	s.cleanupExpiredLocked()
	return nil
}

// Fail removes the in-flight marker without caching a result,
// allowing the relay to be retried.
func (s *InMemoryStore) Fail(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(key)
	return nil
}

func (s *InMemoryStore) releaseLocked(key string) {
	if done, ok := s.inFlight[key]; ok {
		delete(s.inFlight, key)
		close(done)
	}
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (s *InMemoryStore) cleanupExpiredLocked() {
	now := s.now()
	for key, expiry := range s.expiry {
		if !now.Before(expiry) {
			delete(s.results, key)
			delete(s.expiry, key)
		}
	}
}

var _ AttemptStore = (*InMemoryStore)(nil)
