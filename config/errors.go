package config

import "errors"

// Config validation errors
var (
	ErrInvalidPort          = errors.New("config: port must be between 1 and 65535")
	ErrInvalidTreasury      = errors.New("config: treasury address must be a 0x-prefixed 20-byte address")
	ErrInvalidPurchaseTTL   = errors.New("config: purchase ttl must be positive")
	ErrInvalidRateLimit     = errors.New("config: rate limits cannot be negative")
	ErrSkipVerification     = errors.New("config: SKIP_PAYMENT_VERIFICATION cannot be enabled in production")
	ErrWildcardOrigin       = errors.New("config: wildcard CORS origin not allowed in production")
	ErrMissingRelayerKey    = errors.New("config: RELAYER_PRIVATE_KEY is required in production")
	ErrMockModeInProduction = errors.New("config: registrar credentials are required in production")
)
