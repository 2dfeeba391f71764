package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORKBUN_API_KEY", "")
	t.Setenv("PORKBUN_SECRET_KEY", "")
	t.Setenv("PORKBUN_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "0.0.0.0:8402", cfg.Addr())
	assert.Equal(t, "http://localhost:8402", cfg.PublicURL)
	assert.Equal(t, "https://mainnet.base.org", cfg.BaseRPCURL)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:8402"}, cfg.AllowedOrigins)
	assert.Equal(t, 15*time.Minute, cfg.PurchaseTTL)
	assert.Equal(t, RateLimits{Search: 20, Purchase: 10, DNS: 30}, cfg.RateLimits)
	assert.Equal(t, "Demo", cfg.Registrant.FirstName)
	assert.True(t, cfg.MockMode, "Expected mock mode without registrar credentials")
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("PORT", "9000")
	t.Setenv("PUBLIC_URL", "https://api.clawd.dev/")
	t.Setenv("PORKBUN_API_KEY", "pk1_test")
	t.Setenv("PORKBUN_SECRET", "sk1_test")
	t.Setenv("ALLOWED_ORIGINS", " https://clawd.dev , ,https://www.clawd.dev")
	t.Setenv("PURCHASE_TTL", "5m")
	t.Setenv("RATE_LIMIT_SEARCH", "0")
	t.Setenv("RELAYER_PRIVATE_KEY", "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "https://api.clawd.dev", cfg.PublicURL)
	assert.Equal(t, "sk1_test", cfg.PorkbunSecretKey, "Expected PORKBUN_SECRET to be honoured")
	assert.False(t, cfg.MockMode)
	assert.Equal(t, []string{"https://clawd.dev", "https://www.clawd.dev"}, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Minute, cfg.PurchaseTTL)
	assert.Equal(t, 0, cfg.RateLimits.Search)
	assert.NoError(t, cfg.Validate())
}

func validProduction() *Config {
	return &Config{
		Environment:       EnvironmentProduction,
		Port:              8402,
		TreasuryAddress:   "0x742D35cc6634C0532925a3B844bc9E7595f5BE91",
		RelayerPrivateKey: "0xabc",
		AllowedOrigins:    []string{"https://clawd.dev"},
		PurchaseTTL:       15 * time.Minute,
		RateLimits:        RateLimits{Search: 20, Purchase: 10, DNS: 30},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"bad port", func(c *Config) { c.Port = 0 }, ErrInvalidPort},
		{"bad treasury", func(c *Config) { c.TreasuryAddress = "0x1234" }, ErrInvalidTreasury},
		{"zero ttl", func(c *Config) { c.PurchaseTTL = 0 }, ErrInvalidPurchaseTTL},
		{"negative limit", func(c *Config) { c.RateLimits.DNS = -1 }, ErrInvalidRateLimit},
		{"skip verification", func(c *Config) { c.SkipPaymentVerification = true }, ErrSkipVerification},
		{"wildcard origin", func(c *Config) { c.AllowedOrigins = []string{"https://clawd.dev", "*"} }, ErrWildcardOrigin},
		{"missing relayer key", func(c *Config) { c.RelayerPrivateKey = "" }, ErrMissingRelayerKey},
		{"mock mode", func(c *Config) { c.MockMode = true }, ErrMockModeInProduction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validProduction()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateRelaxedOutsideProduction(t *testing.T) {
	cfg := validProduction()
	cfg.Environment = "development"
	cfg.SkipPaymentVerification = true
	cfg.AllowedOrigins = []string{"*"}
	cfg.RelayerPrivateKey = ""
	cfg.MockMode = true

	assert.NoError(t, cfg.Validate())
}
