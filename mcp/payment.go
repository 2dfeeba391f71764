package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	x402http "github.com/noahlevine1717/clawd-domain-marketplace/http"
)

const (
	// PaymentMetaKey carries the payment from client to server.
	PaymentMetaKey = "x402/payment"
	// PaymentResponseMetaKey carries the settlement back to the client.
	PaymentResponseMetaKey = "x402/payment-response"
)

// ProofFromMeta decodes the payment attached to a tool call. ok is false when
// there is none.
func ProofFromMeta(meta mcpsdk.Meta) (proof clawd.Proof, ok bool) {
	if meta == nil {
		return clawd.Proof{}, false
	}
	v, present := meta[PaymentMetaKey]
	if !present || v == nil {
		return clawd.Proof{}, false
	}

	if s, isString := v.(string); isString {
		return x402http.DecodePaymentProof(s), true
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return clawd.Proof{Kind: clawd.ProofUnrecognized, Reason: fmt.Sprintf("payment meta: %v", err)}, true
	}
	// An envelope object decodes the way the header does once encoded.
	if p := x402http.DecodePaymentProof(base64.StdEncoding.EncodeToString(raw)); p.Kind != clawd.ProofUnrecognized {
		return p, true
	}
	return x402http.DecodePaymentProof(string(raw)), true
}

// SettlementFromMeta reads the settlement attached to a tool result.
func SettlementFromMeta(meta mcpsdk.Meta) (*x402http.SettlementResponse, error) {
	v, ok := meta[PaymentResponseMetaKey]
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payment response: %w", err)
	}
	var resp x402http.SettlementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal payment response: %w", err)
	}
	return &resp, nil
}

// PaymentRequiredFromResult extracts the challenge from an error result.
func PaymentRequiredFromResult(result *mcpsdk.CallToolResult) (*x402http.PaymentRequired, bool) {
	if result == nil || !result.IsError || result.StructuredContent == nil {
		return nil, false
	}
	raw, err := json.Marshal(result.StructuredContent)
	if err != nil {
		return nil, false
	}
	var required x402http.PaymentRequired
	if err := json.Unmarshal(raw, &required); err != nil || len(required.Accepts) == 0 {
		return nil, false
	}
	return &required, true
}
