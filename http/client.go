package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// AuthorizationSigner signs EIP-3009 transfers for a paying wallet.
type AuthorizationSigner interface {
	Address() string
	SignAuthorization(payTo string, value *big.Int, validFor time.Duration) (*evm.ExactEIP3009Payload, error)
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment wraps a standard HTTP client so that a 402
// challenge is answered once with a signed authorization.
func WrapHTTPClientWithPayment(client *http.Client, signer AuthorizationSigner) *http.Client {
	if client == nil {
		client = &http.Client{}
	}

	originalTransport := client.Transport
	if originalTransport == nil {
		originalTransport = http.DefaultTransport
	}

	wrapped := *client
	wrapped.Transport = &PaymentRoundTripper{
		Transport: originalTransport,
		Signer:    signer,
	}
	return &wrapped
}

// PaymentRoundTripper implements http.RoundTripper with x402 payment handling
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Signer    AuthorizationSigner
	// MaxAmount caps what the client agrees to pay, in token units. Nil means
	// no cap.
	MaxAmount *big.Int
}

// RoundTrip implements http.RoundTripper
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	resp, err := t.Transport.RoundTrip(withBody(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read 402 response body: %w", err)
	}

	var required PaymentRequired
	if err := json.Unmarshal(respBody, &required); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	header, err := t.pay(required)
	if err != nil {
		return nil, err
	}

	paymentReq := withBody(req, body)
	paymentReq.Header.Set(PaymentHeader, header)

	return t.Transport.RoundTrip(paymentReq)
}

// pay selects the exact/base requirement and returns the encoded envelope.
func (t *PaymentRoundTripper) pay(required PaymentRequired) (string, error) {
	var selected *PaymentRequirements
	for i := range required.Accepts {
		r := required.Accepts[i]
		if r.Scheme == evm.SchemeExact && r.Network == evm.NetworkBase && strings.EqualFold(r.Asset, evm.USDCBase) {
			selected = &r
			break
		}
	}
	if selected == nil {
		return "", fmt.Errorf("cannot fulfill payment requirements: no exact USDC option on base")
	}

	value, ok := new(big.Int).SetString(selected.MaxAmountRequired, 10)
	if !ok || value.Sign() <= 0 {
		return "", fmt.Errorf("invalid maxAmountRequired %q", selected.MaxAmountRequired)
	}
	if t.MaxAmount != nil && value.Cmp(t.MaxAmount) > 0 {
		return "", fmt.Errorf("payment of %s USDC exceeds the configured maximum of %s USDC",
			evm.FormatUSDC(value), evm.FormatUSDC(t.MaxAmount))
	}

	validFor := time.Duration(selected.MaxTimeoutSeconds) * time.Second
	if validFor <= 0 {
		validFor = 5 * time.Minute
	}

	payload, err := t.Signer.SignAuthorization(selected.PayTo, value, validFor)
	if err != nil {
		return "", fmt.Errorf("failed to create payment: %w", err)
	}
	return EncodePaymentHeader(payload)
}

// withBody clones req with a fresh reader over body.
func withBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return clone
}

// ============================================================================
// Header Encoding/Decoding Functions
// ============================================================================

// EncodePaymentHeader encodes a signed authorization as the base64 envelope
// DecodePaymentProof accepts.
func EncodePaymentHeader(p *evm.ExactEIP3009Payload) (string, error) {
	data, err := json.Marshal(NewPaymentPayload(p))
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// GetWithPayment performs a GET request, paying when challenged.
func GetWithPayment(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}
