package idempotency

import "time"

type config struct {
	ttl          time.Duration
	store        AttemptStore
	keyGenerator KeyGenerator
}

// Option configures a Guard.
type Option func(*config)

// WithTTL sets how long a final relay outcome is remembered by the default
// InMemoryStore. Ignored when WithStore is given.
//
// Default: 30 minutes
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithStore replaces the in-memory attempt store. Use a RedisStore when more
// than one instance relays from the same gas account.
func WithStore(store AttemptStore) Option {
	return func(c *config) { c.store = store }
}

// WithKeyGenerator overrides how an anchor (authorizer + nonce) becomes a
// store key.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(c *config) { c.keyGenerator = gen }
}
