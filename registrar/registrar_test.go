package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

func TestListPrice(t *testing.T) {
	tests := []struct {
		domain    string
		firstYear string
		renewal   string
	}{
		{"clawd.com", "12.99", "14.99"},
		{"CLAWD.DEV", "14.99", "16.99"},
		{"agent.ai", "79.99", "89.99"},
		{"cheap.xyz", "4.99", "14.99"},
		{"unknown.museum", "12.99", "14.99"},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			p := ListPrice(tt.domain)
			assert.Equal(t, tt.firstYear, evm.FormatUSDC(p.FirstYear))
			assert.Equal(t, tt.renewal, evm.FormatUSDC(p.Renewal))
		})
	}
}

func TestPriceTotal(t *testing.T) {
	p := ListPrice("clawd.com")
	assert.Equal(t, "12.99", evm.FormatUSDC(p.Total(1)))
	assert.Equal(t, "42.97", evm.FormatUSDC(p.Total(3)))
}

func TestQuoteFallsBackToListPrice(t *testing.T) {
	p := Quote(&Availability{Domain: "clawd.io", Available: true})
	assert.Equal(t, "34.99", evm.FormatUSDC(p.FirstYear))

	p = Quote(&Availability{Domain: "clawd.io", Registration: evm.MustParseAmount("30.00")})
	assert.Equal(t, "32.50", evm.FormatUSDC(p.FirstYear))
	assert.Equal(t, "33.00", evm.FormatUSDC(p.Renewal), "renewal defaults to the registration cost")
}

func TestDecodeRegistrant(t *testing.T) {
	def := Registrant{FirstName: "Demo", LastName: "User", Country: "US"}

	r, err := DecodeRegistrant(nil, def)
	require.NoError(t, err)
	assert.Equal(t, def, r)

	r, err = DecodeRegistrant(json.RawMessage(`{"firstName":"Ada","country":""}`), def)
	require.NoError(t, err)
	assert.Equal(t, "Ada", r.FirstName)
	assert.Equal(t, "User", r.LastName)
	assert.Equal(t, "US", r.Country)

	_, err = DecodeRegistrant(json.RawMessage(`[1]`), def)
	assert.Error(t, err)
}

func TestFakeRegistrar(t *testing.T) {
	ctx := context.Background()
	clock := clawd.NewFixedClock(time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC))
	f := NewFake(clock)

	avail, err := f.Check(ctx, "Google.com")
	require.NoError(t, err)
	assert.False(t, avail.Available)

	reg, err := f.Register(ctx, "clawd.dev", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, reg.Status)
	assert.Equal(t, time.Date(2027, 1, 28, 0, 0, 0, 0, time.UTC), reg.Expiration)
	assert.Equal(t, DefaultNameservers, reg.Nameservers)

	again, err := f.Register(ctx, "clawd.dev", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, again.Status, "a registered domain is taken")

	f.Refuse("refused.dev", "TLD not supported")
	reg, err = f.Register(ctx, "refused.dev", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, reg.Status)
	assert.Equal(t, "TLD not supported", reg.Message)

	boom := errors.New("connection reset")
	f.Fail("broken.dev", boom)
	_, err = f.Register(ctx, "broken.dev", 1, nil)
	assert.ErrorIs(t, err, boom)

	assert.Len(t, f.Registrations(), 4)
}

func TestFakeDNS(t *testing.T) {
	ctx := context.Background()
	f := NewFake(nil)

	id, err := f.CreateDNS(ctx, "clawd.dev", DNSRecord{Type: "A", Name: "www", Content: "1.2.3.4", TTL: 600})
	require.NoError(t, err)

	records, err := f.ListDNS(ctx, "clawd.dev")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)

	require.NoError(t, f.DeleteDNS(ctx, "clawd.dev", id))
	assert.ErrorIs(t, f.DeleteDNS(ctx, "clawd.dev", id), ErrDomainNotInAccount)

	require.NoError(t, f.UpdateNameservers(ctx, "clawd.dev", []string{"a.ns", "b.ns"}))
	assert.Equal(t, []string{"a.ns", "b.ns"}, f.Nameservers("clawd.dev"))
}

type flakyChecker struct {
	*Fake
	down map[string]error
}

func (c flakyChecker) Check(ctx context.Context, domain string) (*Availability, error) {
	if err := c.down[domain]; err != nil {
		return nil, err
	}
	return c.Fake.Check(ctx, domain)
}

func TestSearch(t *testing.T) {
	boom := errors.New("registrar unreachable")
	c := flakyChecker{Fake: NewFake(nil), down: map[string]error{"google.io": boom}}

	results, err := Search(context.Background(), c, " Google ", []string{"com", ".dev", "", "io"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "google.com", results[0].Domain)
	assert.False(t, results[0].Available)
	assert.Nil(t, results[0].Price)

	assert.Equal(t, "google.dev", results[1].Domain)
	require.True(t, results[1].Available)
	require.NotNil(t, results[1].Price)
	assert.Equal(t, evm.MustParseAmount("14.99"), results[1].Price.FirstYear)

	assert.ErrorIs(t, results[2].Err, boom)
}

func TestSearchDefaultsAndLimits(t *testing.T) {
	f := NewFake(nil)

	results, err := Search(context.Background(), f, "clawd", nil)
	require.NoError(t, err)
	assert.Len(t, results, len(DefaultSearchTLDs))

	_, err = Search(context.Background(), f, "-bad-", nil)
	assert.ErrorIs(t, err, ErrInvalidLabel)

	_, err = Search(context.Background(), f, "clawd", make([]string, MaxSearchTLDs+1))
	assert.ErrorIs(t, err, ErrTooManyTLDs)
}
