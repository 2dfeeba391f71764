// Package http carries the x402 wire formats between buyers and the
// marketplace: decoding payment evidence from request headers, building the
// 402 challenge, and a client transport that answers challenges by signing.
package http

import (
	"net/http"
	"strings"
)

// Header names carrying payment evidence, in lookup order.
const (
	PaymentHeader         = "X-PAYMENT"
	AuthorizationHeader   = "Authorization"
	WWWAuthenticateHeader = "WWW-Authenticate"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// X402Version is the protocol version of the challenge this service issues.
const X402Version = 1

// PaymentEvidence returns the raw payment evidence attached to a request:
// the X-PAYMENT header when set, otherwise the Authorization header.
func PaymentEvidence(h http.Header) string {
	if v := strings.TrimSpace(h.Get(PaymentHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(h.Get(AuthorizationHeader))
}
