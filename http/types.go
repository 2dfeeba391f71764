package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// PaymentRequirements is one way of paying offered in a challenge.
type PaymentRequirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentRequired is the body of a 402 response. The top-level domain, amount,
// currency, recipient and nonce fields serve clients that pay with a plain
// transfer and echo the nonce back.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Domain      string                `json:"domain,omitempty"`
	Amount      string                `json:"amount"`
	Currency    string                `json:"currency"`
	Recipient   string                `json:"recipient"`
	Nonce       string                `json:"nonce"`
	ExpiresAt   string                `json:"expiresAt,omitempty"`
}

// PaymentPayload is the base64-encoded envelope a client sends to pay with an
// EIP-3009 authorization.
type PaymentPayload struct {
	X402Version int                `json:"x402Version"`
	Scheme      string             `json:"scheme"`
	Network     string             `json:"network"`
	Payload     envelopeEvmPayload `json:"payload"`
}

type envelopeEvmPayload struct {
	Signature     string                `json:"signature"`
	Authorization envelopeAuthorization `json:"authorization"`
}

// envelopeAuthorization tolerates clients that send numeric fields as JSON
// numbers rather than strings.
type envelopeAuthorization struct {
	From        string     `json:"from"`
	To          string     `json:"to"`
	Value       flexString `json:"value"`
	ValidAfter  flexString `json:"validAfter"`
	ValidBefore flexString `json:"validBefore"`
	Nonce       string     `json:"nonce"`
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or integer: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// NewPaymentPayload wraps a signed authorization in the wire envelope.
func NewPaymentPayload(p *evm.ExactEIP3009Payload) PaymentPayload {
	return PaymentPayload{
		X402Version: X402Version,
		Scheme:      evm.SchemeExact,
		Network:     evm.NetworkBase,
		Payload: envelopeEvmPayload{
			Signature: p.Signature,
			Authorization: envelopeAuthorization{
				From:        p.Authorization.From,
				To:          p.Authorization.To,
				Value:       flexString(p.Authorization.Value),
				ValidAfter:  flexString(p.Authorization.ValidAfter),
				ValidBefore: flexString(p.Authorization.ValidBefore),
				Nonce:       p.Authorization.Nonce,
			},
		},
	}
}

func (a envelopeAuthorization) toEIP3009() evm.ExactEIP3009Authorization {
	return evm.ExactEIP3009Authorization{
		From:        a.From,
		To:          a.To,
		Value:       string(a.Value),
		ValidAfter:  string(a.ValidAfter),
		ValidBefore: string(a.ValidBefore),
		Nonce:       a.Nonce,
	}
}

// SettlementResponse is returned base64-encoded in the X-PAYMENT-RESPONSE
// header once a payment has settled.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

func (s SettlementResponse) EncodeToBase64String() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode settlement response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeSettlementResponse parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlementResponse(encoded string) (*SettlementResponse, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode settlement response: %w", err)
	}
	var s SettlementResponse
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settlement response: %w", err)
	}
	return &s, nil
}
