// Package idempotency deduplicates relayed EIP-3009 transfers.
//
// # Overview
//
// The token contract rejects a second use of an (authorizer, nonce) pair, so a
// duplicate relay can never move funds twice. It can still burn relayer gas,
// and it can race a confirmation that is merely slow. The Guard in this package
// makes sure one authorization is submitted by at most one caller at a time and
// that a known outcome (mined, or sent but unconfirmed) is replayed instead of
// submitted again.
//
// # Usage
//
//	guard := idempotency.NewGuard(
//	    idempotency.WithStore(idempotency.NewRedisStore(rdb, 30*time.Minute)),
//	)
//	result, err := guard.Do(ctx, auth.Key(), func(ctx context.Context) ([]byte, bool, error) {
//	    outcome := relay(ctx)
//	    b, err := json.Marshal(outcome)
//	    return b, outcome.Status == facilitator.RelaySuccess || outcome.Status == facilitator.RelayTimeout, err
//	})
//
// # How It Works
//
// 1. The anchor is hashed into a store key
// 2. The store atomically checks for a cached result or an in-flight request
// 3. If cached: return it without touching the chain
// 4. If in-flight: wait for the other request, then return its result
// 5. Otherwise: run the operation, caching the result when it is final
//
// Non-final results are NOT cached, allowing legitimate retries.
package idempotency
