package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/_-]+={0,2}$`)

// attributePattern matches key="value" pairs of the legacy attribute list.
var attributePattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

const envelopeSchema = `{
  "type": "object",
  "required": ["payload"],
  "properties": {
    "x402Version": {"type": "integer", "minimum": 1},
    "scheme": {"type": "string", "enum": ["exact"]},
    "network": {"type": "string", "enum": ["base", "eip155:8453"]},
    "payload": {
      "type": "object",
      "required": ["signature", "authorization"],
      "properties": {
        "signature": {"type": "string", "pattern": "^(0x)?[0-9a-fA-F]+$"},
        "authorization": {
          "type": "object",
          "required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
          "properties": {
            "from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
            "to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
            "value": {"type": ["string", "integer"], "pattern": "^[0-9]+$", "minimum": 0},
            "validAfter": {"type": ["string", "integer"], "pattern": "^[0-9]+$", "minimum": 0},
            "validBefore": {"type": ["string", "integer"], "pattern": "^[0-9]+$", "minimum": 0},
            "nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
          }
        }
      }
    }
  }
}`

var envelopeSchemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

// DecodePaymentProof classifies raw payment evidence. Formats are tried in
// order and a failure at any stage falls through to the next:
//
//  1. base64 JSON envelope carrying payload.authorization and payload.signature
//  2. bare JSON object with a settled transaction hash
//  3. x402 key="value" attribute list with a settled transaction hash
//
// When nothing matches the result is ProofUnrecognized with Reason listing why
// each format was rejected.
func DecodePaymentProof(raw string) clawd.Proof {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return clawd.Proof{Kind: clawd.ProofUnrecognized, Reason: "payment proof is empty"}
	}

	var reasons []string

	auth, err := decodeEnvelope(raw)
	if err == nil {
		return clawd.Proof{Kind: clawd.ProofUnsettledAuthorization, Authorization: auth}
	}
	reasons = append(reasons, "envelope: "+err.Error())

	ref, err := decodeSettledJSON(raw)
	if err == nil {
		return clawd.Proof{Kind: clawd.ProofSettledReference, Settled: ref}
	}
	reasons = append(reasons, "settled reference: "+err.Error())

	ref, err = decodeAttributeList(raw)
	if err == nil {
		return clawd.Proof{Kind: clawd.ProofSettledReference, Settled: ref}
	}
	reasons = append(reasons, "attribute list: "+err.Error())

	return clawd.Proof{
		Kind:   clawd.ProofUnrecognized,
		Reason: "unrecognized payment proof (" + strings.Join(reasons, "; ") + ")",
	}
}

func decodeEnvelope(raw string) (*clawd.UnsettledAuthorization, error) {
	if !base64Regex.MatchString(raw) {
		return nil, fmt.Errorf("not valid base64")
	}
	decoded, err := decodeBase64(raw)
	if err != nil {
		return nil, fmt.Errorf("base64 decoding failed - %v", err)
	}

	result, err := gojsonschema.Validate(envelopeSchemaLoader, gojsonschema.NewBytesLoader(decoded))
	if err != nil {
		return nil, fmt.Errorf("not valid JSON - %v", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, fmt.Errorf("schema violation: %s", strings.Join(errs, ", "))
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}
	return evm.FromEIP3009(payload.Payload.Authorization.toEIP3009(), payload.Payload.Signature)
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func decodeSettledJSON(raw string) (*clawd.SettledReference, error) {
	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("not a JSON object")
	}
	var body struct {
		TxHash      string `json:"txHash"`
		TxHashSnake string `json:"tx_hash"`
		Transaction string `json:"transaction"`
		Payer       string `json:"payer"`
		From        string `json:"from"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, fmt.Errorf("not valid JSON - %v", err)
	}

	hash := firstNonEmpty(body.TxHash, body.TxHashSnake, body.Transaction)
	if hash == "" {
		return nil, fmt.Errorf("missing required field: txHash")
	}
	if !clawd.IsTxHash(hash) {
		return nil, fmt.Errorf("invalid transaction hash format")
	}
	return &clawd.SettledReference{
		TxHash:        strings.ToLower(hash),
		DeclaredPayer: firstNonEmpty(body.Payer, body.From),
	}, nil
}

func decodeAttributeList(raw string) (*clawd.SettledReference, error) {
	scheme, rest, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "x402") {
		return nil, fmt.Errorf("missing x402 scheme prefix")
	}

	params := make(map[string]string)
	for _, m := range attributePattern.FindAllStringSubmatch(rest, -1) {
		params[strings.ToLower(m[1])] = m[2]
	}

	hash := firstNonEmpty(params["tx_hash"], params["txhash"], params["transaction"])
	if hash == "" {
		return nil, fmt.Errorf("missing required attribute: tx_hash")
	}
	if !clawd.IsTxHash(hash) {
		return nil, fmt.Errorf("invalid transaction hash format")
	}
	return &clawd.SettledReference{
		TxHash:        strings.ToLower(hash),
		DeclaredPayer: params["payer"],
		Recipient:     params["recipient"],
		Nonce:         params["nonce"],
		Legacy:        true,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
