package http

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// ChallengeParams describes what a purchase still needs to be paid.
type ChallengeParams struct {
	Domain      string
	Years       int
	Amount      *big.Int
	PayTo       string
	Nonce       string
	Resource    string
	ExpiresAt   time.Time
	Now         time.Time
	ErrorDetail string
}

// NewPaymentRequired builds the 402 body for a purchase. maxTimeoutSeconds is
// the time left on the offer, never less than zero.
func NewPaymentRequired(p ChallengeParams) PaymentRequired {
	timeout := int(p.ExpiresAt.Sub(p.Now).Seconds())
	if timeout < 0 {
		timeout = 0
	}

	errMsg := "Payment Required"
	if p.ErrorDetail != "" {
		errMsg = p.ErrorDetail
	}

	return PaymentRequired{
		X402Version: X402Version,
		Error:       errMsg,
		Accepts: []PaymentRequirements{{
			Scheme:            evm.SchemeExact,
			Network:           evm.NetworkBase,
			MaxAmountRequired: p.Amount.String(),
			Resource:          p.Resource,
			Description:       describe(p.Domain, p.Years),
			MimeType:          "application/json",
			PayTo:             p.PayTo,
			MaxTimeoutSeconds: timeout,
			Asset:             evm.USDCBase,
			Extra: map[string]string{
				"name":    evm.USDCName,
				"version": evm.USDCVersion,
			},
		}},
		Domain:    p.Domain,
		Amount:    evm.FormatUSDC(p.Amount),
		Currency:  "USDC",
		Recipient: p.PayTo,
		Nonce:     p.Nonce,
		ExpiresAt: p.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// WWWAuthenticate renders the challenge as an x402 attribute list for
// clients that read headers only.
func (p PaymentRequired) WWWAuthenticate() string {
	description := ""
	if len(p.Accepts) > 0 {
		description = p.Accepts[0].Description
	}
	attrs := []string{
		fmt.Sprintf(`recipient="%s"`, p.Recipient),
		fmt.Sprintf(`amount="%s"`, p.Amount),
		fmt.Sprintf(`currency="%s"`, p.Currency),
		fmt.Sprintf(`nonce="%s"`, p.Nonce),
		fmt.Sprintf(`description="%s"`, strings.ReplaceAll(description, `"`, "'")),
	}
	return "x402 " + strings.Join(attrs, ", ")
}

func describe(domain string, years int) string {
	unit := "year"
	if years != 1 {
		unit = "years"
	}
	return fmt.Sprintf("Domain: %s (%d %s)", domain, years, unit)
}
