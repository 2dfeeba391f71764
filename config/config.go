// Package config loads the server configuration from the environment, an
// optional .env file and an optional clawd.yaml next to the binary.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
)

const EnvironmentProduction = "production"

// Config is the full server configuration.
type Config struct {
	Environment string
	Host        string
	Port        int
	// PublicURL is the externally reachable base URL used in payment
	// challenges.
	PublicURL string
	LogLevel  string

	// DatabaseURL selects the Postgres store; empty keeps purchases in memory.
	DatabaseURL string
	// RedisURL selects the shared relay-attempt store; empty keeps it in memory.
	RedisURL string

	BaseRPCURL        string
	TreasuryAddress   string
	RelayerPrivateKey string

	PorkbunAPIKey    string
	PorkbunSecretKey string
	PorkbunSandbox   bool
	// MockMode swaps the chain and registrar for in-process fakes. It is
	// forced on when registrar credentials are missing.
	MockMode bool
	// SkipPaymentVerification trusts settled references without a chain
	// lookup. Never allowed in production.
	SkipPaymentVerification bool

	AllowedOrigins    []string
	PurchaseTTL       time.Duration
	ReconcileInterval time.Duration
	RateLimits        RateLimits

	// Registrant is the ICANN contact used when a purchase carries none.
	Registrant registrar.Registrant
}

// RateLimits are per-client requests per minute.
type RateLimits struct {
	Search   int
	Purchase int
	DNS      int
}

// IsProduction reports whether the production rules apply.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8402)
	v.SetDefault("public_url", "http://localhost:8402")
	v.SetDefault("log_level", "info")
	v.SetDefault("base_rpc_url", "https://mainnet.base.org")
	v.SetDefault("treasury_address", "0x742D35cc6634C0532925a3B844bc9E7595f5BE91")
	v.SetDefault("porkbun_sandbox", false)
	v.SetDefault("mock_mode", false)
	v.SetDefault("skip_payment_verification", false)
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:8402")
	v.SetDefault("purchase_ttl", 15*time.Minute)
	v.SetDefault("reconcile_interval", time.Minute)
	v.SetDefault("rate_limit_search", 20)
	v.SetDefault("rate_limit_purchase", 10)
	v.SetDefault("rate_limit_dns", 30)

	v.SetDefault("registrant_first_name", "Demo")
	v.SetDefault("registrant_last_name", "User")
	v.SetDefault("registrant_email", "demo@clawd.dev")
	v.SetDefault("registrant_phone", "+1.5551234567")
	v.SetDefault("registrant_address", "123 Demo Street")
	v.SetDefault("registrant_city", "San Francisco")
	v.SetDefault("registrant_state", "CA")
	v.SetDefault("registrant_zip", "94102")
	v.SetDefault("registrant_country", "US")
}

// Load reads the configuration. A .env file in the working directory is
// loaded first without overriding variables already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("clawd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	setDefaults(v)
	v.AutomaticEnv()
	// The older variable name is still honoured.
	if err := v.BindEnv("porkbun_secret_key", "PORKBUN_SECRET_KEY", "PORKBUN_SECRET"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Environment:             strings.ToLower(strings.TrimSpace(v.GetString("environment"))),
		Host:                    v.GetString("host"),
		Port:                    v.GetInt("port"),
		PublicURL:               strings.TrimRight(v.GetString("public_url"), "/"),
		LogLevel:                v.GetString("log_level"),
		DatabaseURL:             v.GetString("database_url"),
		RedisURL:                v.GetString("redis_url"),
		BaseRPCURL:              v.GetString("base_rpc_url"),
		TreasuryAddress:         strings.TrimSpace(v.GetString("treasury_address")),
		RelayerPrivateKey:       strings.TrimSpace(v.GetString("relayer_private_key")),
		PorkbunAPIKey:           v.GetString("porkbun_api_key"),
		PorkbunSecretKey:        v.GetString("porkbun_secret_key"),
		PorkbunSandbox:          v.GetBool("porkbun_sandbox"),
		SkipPaymentVerification: v.GetBool("skip_payment_verification"),
		AllowedOrigins:          splitList(v.GetString("allowed_origins")),
		PurchaseTTL:             v.GetDuration("purchase_ttl"),
		ReconcileInterval:       v.GetDuration("reconcile_interval"),
		RateLimits: RateLimits{
			Search:   v.GetInt("rate_limit_search"),
			Purchase: v.GetInt("rate_limit_purchase"),
			DNS:      v.GetInt("rate_limit_dns"),
		},
		Registrant: registrar.Registrant{
			FirstName: v.GetString("registrant_first_name"),
			LastName:  v.GetString("registrant_last_name"),
			Email:     v.GetString("registrant_email"),
			Phone:     v.GetString("registrant_phone"),
			Address:   v.GetString("registrant_address"),
			City:      v.GetString("registrant_city"),
			State:     v.GetString("registrant_state"),
			Zip:       v.GetString("registrant_zip"),
			Country:   v.GetString("registrant_country"),
		},
	}
	cfg.MockMode = v.GetBool("mock_mode") || cfg.PorkbunAPIKey == "" || cfg.PorkbunSecretKey == ""
	return cfg
}

// Validate checks the configuration, applying the production rules when
// Environment is "production".
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if !clawd.IsWalletAddress(c.TreasuryAddress) {
		return ErrInvalidTreasury
	}
	if c.PurchaseTTL <= 0 {
		return ErrInvalidPurchaseTTL
	}
	if c.RateLimits.Search < 0 || c.RateLimits.Purchase < 0 || c.RateLimits.DNS < 0 {
		return ErrInvalidRateLimit
	}

	if !c.IsProduction() {
		return nil
	}
	if c.SkipPaymentVerification {
		return ErrSkipVerification
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return ErrWildcardOrigin
		}
	}
	if c.RelayerPrivateKey == "" {
		return ErrMissingRelayerKey
	}
	if c.MockMode {
		return ErrMockModeInProduction
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
