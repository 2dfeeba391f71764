package registrar

import (
	"math/big"
	"strings"

	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// Price is what a customer pays, in USDC units.
type Price struct {
	FirstYear *big.Int
	Renewal   *big.Int
}

var (
	// RegistrationMarkup and RenewalMarkup are added to the registrar's own
	// cost when it quotes one.
	RegistrationMarkup = evm.MustParseAmount("2.50")
	RenewalMarkup      = evm.MustParseAmount("3.00")

	defaultPrice = Price{FirstYear: evm.MustParseAmount("12.99"), Renewal: evm.MustParseAmount("14.99")}

	tldPrices = map[string]Price{
		"com": defaultPrice,
		"net": defaultPrice,
		"org": defaultPrice,
		"dev": {FirstYear: evm.MustParseAmount("14.99"), Renewal: evm.MustParseAmount("16.99")},
		"app": {FirstYear: evm.MustParseAmount("16.99"), Renewal: evm.MustParseAmount("18.99")},
		"io":  {FirstYear: evm.MustParseAmount("34.99"), Renewal: evm.MustParseAmount("39.99")},
		"co":  {FirstYear: evm.MustParseAmount("29.99"), Renewal: evm.MustParseAmount("34.99")},
		"xyz": {FirstYear: evm.MustParseAmount("4.99"), Renewal: evm.MustParseAmount("14.99")},
		"ai":  {FirstYear: evm.MustParseAmount("79.99"), Renewal: evm.MustParseAmount("89.99")},
	}
)

// DefaultSearchTLDs are searched when a request names none.
var DefaultSearchTLDs = []string{"com", "dev", "app", "io", "xyz", "ai"}

// TLD returns the last label of domain, lowercased.
func TLD(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if i := strings.LastIndex(domain, "."); i >= 0 {
		return domain[i+1:]
	}
	return domain
}

// ListPrice returns the fixed price for a domain's TLD.
func ListPrice(domain string) Price {
	if p, ok := tldPrices[TLD(domain)]; ok {
		return p
	}
	return defaultPrice
}

// Quote prices a search result: registrar cost plus markup when the
// registrar quoted one, the list price otherwise.
func Quote(a *Availability) Price {
	if a == nil || a.Registration == nil {
		return ListPrice(a.domainOrEmpty())
	}
	renewal := a.Renewal
	if renewal == nil {
		renewal = a.Registration
	}
	return Price{
		FirstYear: new(big.Int).Add(a.Registration, RegistrationMarkup),
		Renewal:   new(big.Int).Add(renewal, RenewalMarkup),
	}
}

func (a *Availability) domainOrEmpty() string {
	if a == nil {
		return ""
	}
	return a.Domain
}

// Total is the first year plus renewals for the remaining years.
func (p Price) Total(years int) *big.Int {
	total := new(big.Int).Set(p.FirstYear)
	if years > 1 {
		total.Add(total, new(big.Int).Mul(p.Renewal, big.NewInt(int64(years-1))))
	}
	return total
}
